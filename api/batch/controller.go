package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"imageConverter/api/validation"
	"imageConverter/worker/converter"
	"imageConverter/worker/pool"
)

var (
	ErrItemNotFound   = errors.New("item not found")
	ErrPartialFailure = errors.New("one or more conversions failed")
)

// ItemConverter turns one item's source bytes into an encoded output.
type ItemConverter interface {
	Convert(ctx context.Context, name string, src []byte, format converter.Format) (*converter.Output, error)
}

// Observer is called with a snapshot after every item status change, along
// with the context of the conversion that caused it. It may be called from
// several goroutines at once.
type Observer func(ctx context.Context, state ItemState)

// Summary aggregates the outcome of one ConvertAll call.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

type Option func(*Controller)

// WithMaxWorkers caps how many items convert at once. Zero or less runs
// one task per item.
func WithMaxWorkers(n int) Option {
	return func(c *Controller) {
		c.maxWorkers = n
	}
}

// WithItemTimeout bounds each item's conversion. Zero disables the bound.
func WithItemTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.itemTimeout = d
	}
}

func WithObserver(fn Observer) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// WithFormat sets the initial batch format.
func WithFormat(format converter.Format) Option {
	return func(c *Controller) {
		c.format = format
	}
}

// Controller owns one set of uploaded items and the batch output format.
type Controller struct {
	conv        ItemConverter
	previews    *PreviewStore
	logger      *zap.Logger
	maxWorkers  int
	itemTimeout time.Duration
	observer    Observer

	mu     sync.RWMutex
	format converter.Format
	items  map[ItemID]*Item
	order  []ItemID
}

func NewController(conv ItemConverter, previews *PreviewStore, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		conv:     conv,
		previews: previews,
		logger:   logger,
		format:   converter.DefaultFormat,
		items:    make(map[ItemID]*Item),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddFiles keeps the image-typed entries of files and adds one item for
// each identity not already present. When no entry is an image the set is
// left untouched and the error wraps validation.ErrInvalidFileType.
func (c *Controller) AddFiles(files []File) ([]ItemState, error) {
	accepted := make([]File, 0, len(files))
	for _, f := range files {
		contentType, ok := validation.ImageContentType(f.ContentType, f.Data)
		if !ok {
			c.logger.Debug("Skipping non-image upload",
				zap.String("name", f.Name),
				zap.String("content_type", f.ContentType),
			)
			continue
		}
		f.ContentType = contentType
		accepted = append(accepted, f)
	}

	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: %d file(s) rejected", validation.ErrInvalidFileType, len(files))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	added := make([]ItemState, 0, len(accepted))
	for _, f := range accepted {
		id := NewItemID(f.Name, f.Modified, int64(len(f.Data)))
		if _, exists := c.items[id]; exists {
			continue
		}

		handle := c.previews.Create(f.Data, f.ContentType)
		item := newItem(id, f, handle, c.format)
		c.items[id] = item
		c.order = append(c.order, id)
		added = append(added, item.State())
	}

	c.logger.Info("Files added",
		zap.Int("received", len(files)),
		zap.Int("accepted", len(accepted)),
		zap.Int("added", len(added)),
		zap.Int("total", len(c.order)),
	)

	return added, nil
}

// RemoveItem releases the item's preview and evicts it. It reports false
// when no such item exists.
func (c *Controller) RemoveItem(id ItemID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return false
	}

	c.release(item)
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveAll releases every preview and empties the set. It returns how
// many items were removed.
func (c *Controller) RemoveAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.order)
	for _, id := range c.order {
		c.release(c.items[id])
	}
	c.items = make(map[ItemID]*Item)
	c.order = nil
	return n
}

func (c *Controller) release(item *Item) {
	if err := c.previews.Release(item.Preview()); err != nil {
		c.logger.Error("Failed to release preview",
			zap.String("item_id", string(item.ID())),
			zap.Error(err),
		)
	}
}

func (c *Controller) Format() converter.Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

// SetFormat changes the batch format and applies it to every item,
// replacing per-item overrides.
func (c *Controller) SetFormat(format converter.Format) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %q", converter.ErrInvalidFormat, string(format))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.format = format
	for _, id := range c.order {
		c.items[id].setFormat(format)
	}
	return nil
}

// SetItemFormat overrides the output format of a single item.
func (c *Controller) SetItemFormat(id ItemID, format converter.Format) error {
	if !format.Valid() {
		return fmt.Errorf("%w: %q", converter.ErrInvalidFormat, string(format))
	}

	item, ok := c.Item(id)
	if !ok {
		return ErrItemNotFound
	}
	item.setFormat(format)
	return nil
}

func (c *Controller) Item(id ItemID) (*Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Items returns the current items in upload order.
func (c *Controller) Items() []*Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]*Item, 0, len(c.order))
	for _, id := range c.order {
		items = append(items, c.items[id])
	}
	return items
}

func (c *Controller) States() []ItemState {
	items := c.Items()
	states := make([]ItemState, 0, len(items))
	for _, item := range items {
		states = append(states, item.State())
	}
	return states
}

func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ConvertAll sets the batch format to format and converts every current
// item, waiting until each one is in a terminal state. Item failures never
// stop their siblings; if any item failed the returned error wraps
// ErrPartialFailure alongside a complete Summary.
func (c *Controller) ConvertAll(ctx context.Context, format converter.Format) (Summary, error) {
	if err := c.SetFormat(format); err != nil {
		return Summary{}, err
	}

	items := c.Items()
	summary := Summary{Total: len(items)}
	if len(items) == 0 {
		return summary, nil
	}

	start := time.Now()
	results := make([]error, len(items))
	workers := pool.NewWorkerPool(c.maxWorkers)
	for i, item := range items {
		workers.Submit(ctx, func(ctx context.Context) {
			results[i] = c.convert(ctx, item, format)
		}, func(err error) {
			results[i] = c.abort(ctx, item, format, err)
		})
	}
	workers.Wait()

	for _, err := range results {
		if err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}

	c.logger.Info("Batch conversion finished",
		zap.String("format", format.String()),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", time.Since(start)),
	)

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrPartialFailure, summary.Failed, summary.Total)
	}
	return summary, nil
}

// ConvertItem converts one item to its own format. The returned error is
// the item's conversion error, also recorded on the item.
func (c *Controller) ConvertItem(ctx context.Context, id ItemID) error {
	item, ok := c.Item(id)
	if !ok {
		return ErrItemNotFound
	}
	return c.convert(ctx, item, item.Format())
}

func (c *Controller) convert(ctx context.Context, item *Item, format converter.Format) error {
	attempt, state := item.begin(format)
	c.notify(ctx, state)

	out, err := c.run(ctx, item, format)
	if err != nil {
		c.logger.Warn("Item conversion failed",
			zap.String("item_id", string(item.ID())),
			zap.String("name", item.Name()),
			zap.String("format", format.String()),
			zap.Error(err),
		)
	}

	if state, applied := item.finish(attempt, out, err); applied {
		c.notify(ctx, state)
	}
	return err
}

// run converts on a separate goroutine so that cancellation and the item
// timeout end the attempt even if the encoder never returns.
func (c *Controller) run(ctx context.Context, item *Item, format converter.Format) (*converter.Output, error) {
	if c.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.itemTimeout)
		defer cancel()
	}

	type result struct {
		out *converter.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.conv.Convert(ctx, item.Name(), item.Data(), format)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("convert %s: %w", item.Name(), ctx.Err())
	}
}

func (c *Controller) abort(ctx context.Context, item *Item, format converter.Format, err error) error {
	attempt, state := item.begin(format)
	c.notify(ctx, state)
	if state, applied := item.finish(attempt, nil, err); applied {
		c.notify(ctx, state)
	}
	return err
}

func (c *Controller) notify(ctx context.Context, state ItemState) {
	if c.observer != nil {
		c.observer(ctx, state)
	}
}
