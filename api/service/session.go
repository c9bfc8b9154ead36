package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageConverter/api/batch"
	"imageConverter/api/cache"
	"imageConverter/api/dto"
	"imageConverter/api/kafka"
	"imageConverter/api/middleware"
	"imageConverter/api/models"
	"imageConverter/api/optimizer"
	"imageConverter/api/repository"
	"imageConverter/worker/converter"
)

const (
	timeLayout    = "2006-01-02T15:04:05Z"
	hookTimeout   = 5 * time.Second
	previewPrefix = "/previews/"
)

type Optimizer interface {
	Optimize(ctx context.Context, data []byte, contentType string) (*optimizer.Result, error)
}

type Options struct {
	Topic         string
	MaxWorkers    int
	ItemTimeout   time.Duration
	DefaultFormat converter.Format
}

type session struct {
	id         string
	createdAt  time.Time
	controller *batch.Controller

	mu       sync.Mutex
	lastUsed time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// SessionService keeps one batch controller per client session and mirrors
// every item transition into the status cache and the event stream.
type SessionService struct {
	conv      batch.ItemConverter
	previews  *batch.PreviewStore
	repo      repository.Repository
	cache     *cache.StatusCache
	producer  kafka.Producer
	optimizer Optimizer
	opts      Options
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewSessionService(
	conv batch.ItemConverter,
	previews *batch.PreviewStore,
	repo repository.Repository,
	cache *cache.StatusCache,
	producer kafka.Producer,
	opt Optimizer,
	opts Options,
	logger *zap.Logger,
) *SessionService {
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = converter.DefaultFormat
	}
	if opts.Topic == "" {
		opts.Topic = "conversion_events"
	}

	return &SessionService{
		conv:      conv,
		previews:  previews,
		repo:      repo,
		cache:     cache,
		producer:  producer,
		optimizer: opt,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

func (s *SessionService) CreateSession(ctx context.Context) (*dto.SessionResponse, error) {
	now := time.Now()
	sess := &session{
		id:        uuid.New().String(),
		createdAt: now,
		lastUsed:  now,
	}
	sess.controller = batch.NewController(s.conv, s.previews, s.logger.With(zap.String("session_id", sess.id)),
		batch.WithMaxWorkers(s.opts.MaxWorkers),
		batch.WithItemTimeout(s.opts.ItemTimeout),
		batch.WithFormat(s.opts.DefaultFormat),
		batch.WithObserver(s.observer(sess.id)),
	)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("Session created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("session_id", sess.id),
	)

	return s.toSessionResponse(sess), nil
}

func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*dto.SessionResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.toSessionResponse(sess), nil
}

// DeleteSession releases every item of the session and forgets it.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return dto.ErrSessionNotFound
	}

	s.closeSession(ctx, sess)
	return nil
}

// ExpireIdle closes sessions unused for longer than ttl and returns how many
// were closed.
func (s *SessionService) ExpireIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var expired []*session
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.closeSession(ctx, sess)
	}
	return len(expired)
}

// Close releases every session.
func (s *SessionService) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.closeSession(ctx, sess)
	}
}

func (s *SessionService) closeSession(ctx context.Context, sess *session) {
	removed := sess.controller.RemoveAll()
	if err := s.cache.DeleteSession(ctx, sess.id); err != nil {
		s.logger.Warn("Failed to clear cached statuses",
			zap.String("session_id", sess.id),
			zap.Error(err),
		)
	}

	s.logger.Info("Session closed",
		zap.String("session_id", sess.id),
		zap.Int("items_released", removed),
	)
}

func (s *SessionService) AddFiles(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	added, err := sess.controller.AddFiles(files)
	if err != nil {
		return nil, err
	}

	for _, state := range added {
		s.storeStatus(ctx, sessionID, state)
	}

	return &dto.AddItemsResponse{
		Added: toItemResponses(added),
		Total: sess.controller.Len(),
	}, nil
}

func (s *SessionService) RemoveItem(ctx context.Context, sessionID, itemID string) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}

	if !sess.controller.RemoveItem(batch.ItemID(itemID)) {
		return dto.ErrItemNotFound
	}

	if err := s.cache.Delete(ctx, sessionID, itemID); err != nil {
		s.logger.Warn("Failed to delete cached status",
			zap.String("session_id", sessionID),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
	return nil
}

func (s *SessionService) RemoveAll(ctx context.Context, sessionID string) (*dto.RemoveResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	removed := sess.controller.RemoveAll()
	if err := s.cache.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to clear cached statuses",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	return &dto.RemoveResponse{Removed: removed}, nil
}

func (s *SessionService) SetFormat(ctx context.Context, sessionID, format string) (*dto.SessionResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := converter.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if err := sess.controller.SetFormat(f); err != nil {
		return nil, err
	}

	for _, state := range sess.controller.States() {
		s.storeStatus(ctx, sessionID, state)
	}

	return s.toSessionResponse(sess), nil
}

func (s *SessionService) SetItemFormat(ctx context.Context, sessionID, itemID, format string) (*dto.ItemResponse, error) {
	sess, item, err := s.item(sessionID, itemID)
	if err != nil {
		return nil, err
	}

	f, err := converter.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if err := sess.controller.SetItemFormat(item.ID(), f); err != nil {
		if errors.Is(err, batch.ErrItemNotFound) {
			return nil, dto.ErrItemNotFound
		}
		return nil, err
	}

	state := item.State()
	s.storeStatus(ctx, sessionID, state)

	resp := toItemResponse(state)
	return &resp, nil
}

// ConvertAll converts every item of the session. Item failures are reported
// in the response, not as an error.
func (s *SessionService) ConvertAll(ctx context.Context, sessionID, format string) (*dto.ConvertResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	f := sess.controller.Format()
	if format != "" {
		if f, err = converter.ParseFormat(format); err != nil {
			return nil, err
		}
	}

	summary, err := sess.controller.ConvertAll(ctx, f)
	if err != nil && !errors.Is(err, batch.ErrPartialFailure) {
		return nil, err
	}

	return &dto.ConvertResponse{
		Format:         f.String(),
		Total:          summary.Total,
		Succeeded:      summary.Succeeded,
		Failed:         summary.Failed,
		PartialFailure: errors.Is(err, batch.ErrPartialFailure),
		Items:          toItemResponses(sess.controller.States()),
	}, nil
}

// ConvertItem retries one item with its own format. A failed conversion is
// reported through the item's status.
func (s *SessionService) ConvertItem(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error) {
	sess, item, err := s.item(sessionID, itemID)
	if err != nil {
		return nil, err
	}

	if err := sess.controller.ConvertItem(ctx, item.ID()); errors.Is(err, batch.ErrItemNotFound) {
		return nil, dto.ErrItemNotFound
	}

	resp := toItemResponse(item.State())
	return &resp, nil
}

// ItemStatus reads the cached status and falls back to the live item.
func (s *SessionService) ItemStatus(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error) {
	_, item, err := s.item(sessionID, itemID)
	if err != nil {
		return nil, err
	}

	if status, err := s.cache.Get(ctx, sessionID, itemID); err == nil {
		return cachedItemResponse(status, item), nil
	}

	state := item.State()
	s.storeStatus(ctx, sessionID, state)

	resp := toItemResponse(state)
	return &resp, nil
}

func (s *SessionService) Download(ctx context.Context, sessionID, itemID string) (*dto.Download, error) {
	_, item, err := s.item(sessionID, itemID)
	if err != nil {
		return nil, err
	}

	out, ok := item.Result()
	if !ok {
		return nil, fmt.Errorf("%w: item is %s", dto.ErrResultNotReady, item.Status())
	}

	return &dto.Download{
		Filename:    out.Filename,
		ContentType: out.MIMEType,
		Data:        out.Data,
	}, nil
}

func (s *SessionService) Preview(ctx context.Context, handle string) (*dto.Download, error) {
	data, contentType, err := s.previews.Open(handle)
	if err != nil {
		return nil, err
	}
	return &dto.Download{ContentType: contentType, Data: data}, nil
}

// Optimize sends the item's source image to the optimizer. Item status is
// never touched.
func (s *SessionService) Optimize(ctx context.Context, sessionID, itemID string) (*dto.OptimizeResponse, error) {
	_, item, err := s.item(sessionID, itemID)
	if err != nil {
		return nil, err
	}

	result, err := s.optimizer.Optimize(ctx, item.Data(), item.ContentType())
	if err != nil {
		s.logger.Warn("Optimization failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("session_id", sessionID),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return nil, err
	}

	return &dto.OptimizeResponse{
		Image:       result.DataURI,
		Description: result.Description,
	}, nil
}

func (s *SessionService) History(ctx context.Context, sessionID string, limit int) (*dto.HistoryResponse, error) {
	conversions, err := s.repo.ListConversions(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	resp := &dto.HistoryResponse{
		SessionID:   sessionID,
		Conversions: make([]dto.ConversionResponse, 0, len(conversions)),
	}
	for _, c := range conversions {
		resp.Conversions = append(resp.Conversions, dto.ConversionResponse{
			ID:         c.ID,
			TraceID:    c.TraceID,
			ItemID:     c.ItemID,
			SourceName: c.SourceName,
			OutputName: c.OutputName,
			Format:     c.Format,
			Status:     string(c.Status),
			SourceSize: c.SourceSize,
			OutputSize: c.OutputSize,
			Error:      c.ErrorMessage,
			CreatedAt:  c.CreatedAt.UTC().Format(timeLayout),
		})
	}
	return resp, nil
}

func (s *SessionService) session(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		return nil, dto.ErrSessionNotFound
	}
	sess.touch(time.Now())
	return sess, nil
}

func (s *SessionService) item(sessionID, itemID string) (*session, *batch.Item, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, nil, err
	}

	item, ok := sess.controller.Item(batch.ItemID(itemID))
	if !ok {
		return nil, nil, dto.ErrItemNotFound
	}
	return sess, item, nil
}

// observer mirrors transitions of one session into the cache and publishes
// terminal ones. Side effects outlive a cancelled conversion context.
func (s *SessionService) observer(sessionID string) batch.Observer {
	return func(ctx context.Context, state batch.ItemState) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
		defer cancel()

		s.storeStatus(ctx, sessionID, state)
		if state.Status.Terminal() {
			s.publish(ctx, sessionID, state)
		}
	}
}

func (s *SessionService) storeStatus(ctx context.Context, sessionID string, state batch.ItemState) {
	status := &models.ItemStatus{
		SessionID:  sessionID,
		ItemID:     string(state.ID),
		Name:       state.Name,
		Format:     state.Format.String(),
		Status:     models.ConversionStatus(state.Status),
		OutputName: state.OutputName,
		OutputSize: state.OutputSize,
		UpdatedAt:  state.UpdatedAt,
	}
	if state.Err != nil {
		status.ErrorMessage = state.Err.Error()
	}

	if err := s.cache.Set(ctx, status); err != nil {
		s.logger.Warn("Failed to cache item status",
			zap.String("session_id", sessionID),
			zap.String("item_id", string(state.ID)),
			zap.Error(err),
		)
	}
}

func (s *SessionService) publish(ctx context.Context, sessionID string, state batch.ItemState) {
	event := &kafka.ConversionEvent{
		TraceID:    middleware.GetTraceID(ctx),
		SessionID:  sessionID,
		ItemID:     string(state.ID),
		SourceName: state.Name,
		OutputName: state.OutputName,
		Format:     state.Format.String(),
		Status:     string(state.Status),
		SourceSize: state.Size,
		OutputSize: state.OutputSize,
		OccurredAt: state.UpdatedAt,
	}
	if state.Err != nil {
		event.ErrorMessage = state.Err.Error()
	}

	if err := s.producer.SendConversionEvent(ctx, s.opts.Topic, event); err != nil {
		s.logger.Error("Failed to publish conversion event",
			zap.String("trace_id", event.TraceID),
			zap.String("session_id", sessionID),
			zap.String("item_id", event.ItemID),
			zap.Error(err),
		)
	}
}

func (s *SessionService) toSessionResponse(sess *session) *dto.SessionResponse {
	return &dto.SessionResponse{
		ID:        sess.id,
		Format:    sess.controller.Format().String(),
		Items:     toItemResponses(sess.controller.States()),
		CreatedAt: sess.createdAt.UTC().Format(timeLayout),
	}
}

func toItemResponses(states []batch.ItemState) []dto.ItemResponse {
	items := make([]dto.ItemResponse, 0, len(states))
	for _, state := range states {
		items = append(items, toItemResponse(state))
	}
	return items
}

func toItemResponse(state batch.ItemState) dto.ItemResponse {
	resp := dto.ItemResponse{
		ID:          string(state.ID),
		Name:        state.Name,
		ContentType: state.ContentType,
		Size:        state.Size,
		PreviewURL:  previewPrefix + state.Preview,
		Format:      state.Format.String(),
		Status:      string(state.Status),
		OutputName:  state.OutputName,
		OutputSize:  state.OutputSize,
		UpdatedAt:   state.UpdatedAt.UTC().Format(timeLayout),
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp
}

func cachedItemResponse(status *models.ItemStatus, item *batch.Item) *dto.ItemResponse {
	return &dto.ItemResponse{
		ID:          status.ItemID,
		Name:        status.Name,
		ContentType: item.ContentType(),
		Size:        len(item.Data()),
		PreviewURL:  previewPrefix + item.Preview(),
		Format:      status.Format,
		Status:      string(status.Status),
		OutputName:  status.OutputName,
		OutputSize:  status.OutputSize,
		Error:       status.ErrorMessage,
		UpdatedAt:   status.UpdatedAt.UTC().Format(timeLayout),
	}
}
