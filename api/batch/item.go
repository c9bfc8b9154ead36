package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imageConverter/worker/converter"
)

// Status is the conversion state of a single item.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConverting Status = "converting"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

type ItemID string

var itemNamespace = uuid.MustParse("5b3f8a0e-3c1d-4b9a-9f65-2d7c1e0a4f11")

// NewItemID derives an item's identity from its upload metadata. Uploading
// the same file twice yields the same id.
func NewItemID(name string, modified time.Time, size int64) ItemID {
	key := fmt.Sprintf("%s\x00%d\x00%d", name, modified.UnixMilli(), size)
	return ItemID(uuid.NewSHA1(itemNamespace, []byte(key)).String())
}

// File is one entry of an upload.
type File struct {
	Name        string
	ContentType string
	Modified    time.Time
	Data        []byte
}

// Item is an uploaded image and its conversion state. The source bytes are
// owned by the item and never modified.
type Item struct {
	id          ItemID
	name        string
	contentType string
	modified    time.Time
	data        []byte
	preview     string

	mu        sync.Mutex
	format    converter.Format
	status    Status
	result    *converter.Output
	err       error
	attempt   int
	updatedAt time.Time
}

// ItemState is a point-in-time copy of an item, safe to hand to observers.
type ItemState struct {
	ID          ItemID
	Name        string
	ContentType string
	Size        int
	Preview     string
	Format      converter.Format
	Status      Status
	OutputName  string
	OutputSize  int
	Err         error
	UpdatedAt   time.Time
}

func newItem(id ItemID, f File, preview string, format converter.Format) *Item {
	return &Item{
		id:          id,
		name:        f.Name,
		contentType: f.ContentType,
		modified:    f.Modified,
		data:        f.Data,
		preview:     preview,
		format:      format,
		status:      StatusIdle,
		updatedAt:   time.Now(),
	}
}

func (it *Item) ID() ItemID          { return it.id }
func (it *Item) Name() string        { return it.name }
func (it *Item) ContentType() string { return it.contentType }
func (it *Item) Data() []byte        { return it.data }
func (it *Item) Preview() string     { return it.preview }

func (it *Item) Format() converter.Format {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.format
}

func (it *Item) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// Result returns the encoded output of the last successful conversion.
func (it *Item) Result() (*converter.Output, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.status != StatusSuccess || it.result == nil {
		return nil, false
	}
	return it.result, true
}

func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

func (it *Item) State() ItemState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stateLocked()
}

func (it *Item) stateLocked() ItemState {
	state := ItemState{
		ID:          it.id,
		Name:        it.name,
		ContentType: it.contentType,
		Size:        len(it.data),
		Preview:     it.preview,
		Format:      it.format,
		Status:      it.status,
		Err:         it.err,
		UpdatedAt:   it.updatedAt,
	}
	if it.result != nil {
		state.OutputName = it.result.Filename
		state.OutputSize = len(it.result.Data)
	}
	return state
}

func (it *Item) setFormat(format converter.Format) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.format = format
}

// begin moves the item to converting from any state, dropping the previous
// result and error. The returned attempt number identifies this run.
func (it *Item) begin(format converter.Format) (int, ItemState) {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.attempt++
	it.format = format
	it.status = StatusConverting
	it.result = nil
	it.err = nil
	it.updatedAt = time.Now()
	return it.attempt, it.stateLocked()
}

// finish records the outcome of attempt. Outcomes of superseded attempts
// are dropped and reported as not applied.
func (it *Item) finish(attempt int, out *converter.Output, err error) (ItemState, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if attempt != it.attempt || it.status != StatusConverting {
		return it.stateLocked(), false
	}

	if err != nil {
		it.status = StatusError
		it.result = nil
		it.err = err
	} else {
		it.status = StatusSuccess
		it.result = out
		it.err = nil
	}
	it.updatedAt = time.Now()
	return it.stateLocked(), true
}
