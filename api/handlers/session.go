package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"imageConverter/api/batch"
	"imageConverter/api/dto"
	"imageConverter/api/middleware"
	"imageConverter/api/optimizer"
	"imageConverter/api/validation"
	"imageConverter/worker/converter"
)

const maxMemory = 32 << 20

type SessionService interface {
	CreateSession(ctx context.Context) (*dto.SessionResponse, error)
	GetSession(ctx context.Context, sessionID string) (*dto.SessionResponse, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AddFiles(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error)
	RemoveItem(ctx context.Context, sessionID, itemID string) error
	RemoveAll(ctx context.Context, sessionID string) (*dto.RemoveResponse, error)
	SetFormat(ctx context.Context, sessionID, format string) (*dto.SessionResponse, error)
	SetItemFormat(ctx context.Context, sessionID, itemID, format string) (*dto.ItemResponse, error)
	ConvertAll(ctx context.Context, sessionID, format string) (*dto.ConvertResponse, error)
	ConvertItem(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error)
	ItemStatus(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error)
	Download(ctx context.Context, sessionID, itemID string) (*dto.Download, error)
	Preview(ctx context.Context, handle string) (*dto.Download, error)
	Optimize(ctx context.Context, sessionID, itemID string) (*dto.OptimizeResponse, error)
	History(ctx context.Context, sessionID string, limit int) (*dto.HistoryResponse, error)
}

type SessionHandler struct {
	service     SessionService
	logger      *zap.Logger
	maxFileSize int64
}

func NewSessionHandler(service SessionService, maxFileSize int64, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		service:     service,
		logger:      logger,
		maxFileSize: maxFileSize,
	}
}

func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{sid}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{sid}", h.DeleteSession)
	mux.HandleFunc("GET /sessions/{sid}/items", h.GetSession)
	mux.HandleFunc("POST /sessions/{sid}/items", h.Upload)
	mux.HandleFunc("DELETE /sessions/{sid}/items", h.RemoveAll)
	mux.HandleFunc("DELETE /sessions/{sid}/items/{id}", h.RemoveItem)
	mux.HandleFunc("PUT /sessions/{sid}/format", h.SetFormat)
	mux.HandleFunc("PUT /sessions/{sid}/items/{id}/format", h.SetItemFormat)
	mux.HandleFunc("POST /sessions/{sid}/convert", h.ConvertAll)
	mux.HandleFunc("POST /sessions/{sid}/items/{id}/convert", h.ConvertItem)
	mux.HandleFunc("GET /sessions/{sid}/items/{id}/status", h.Status)
	mux.HandleFunc("GET /sessions/{sid}/items/{id}/download", h.Download)
	mux.HandleFunc("POST /sessions/{sid}/items/{id}/optimize", h.Optimize)
	mux.HandleFunc("GET /sessions/{sid}/history", h.History)
	mux.HandleFunc("GET /previews/{handle}", h.Preview)
}

func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.CreateSession(r.Context())
	if err != nil {
		h.handleError(w, r, "Failed to create session", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetSession(r.Context(), r.PathValue("sid"))
	if err != nil {
		h.handleError(w, r, "Failed to get session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSession(r.Context(), r.PathValue("sid")); err != nil {
		h.handleError(w, r, "Failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Upload accepts a multipart form with one or more "files" parts. Optional
// "last_modified" values, one per file in the same order, carry the client
// side modification time in Unix milliseconds.
func (h *SessionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize*8+maxMemory)
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		h.handleError(w, r, "Failed to parse form", badRequest(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.handleError(w, r, "No files provided", badRequest(errors.New("missing files field")))
		return
	}
	modified := r.MultipartForm.Value["last_modified"]

	files := make([]batch.File, 0, len(headers))
	var rejected []dto.RejectedFile
	var firstErr error
	for i, header := range headers {
		name := sanitizeFilename(header.Filename)
		if err := validation.CheckSize(header.Size, h.maxFileSize); err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			if firstErr == nil {
				firstErr = err
			}
			_, code := statusFor(err)
			rejected = append(rejected, dto.RejectedFile{Name: name, Code: code, Error: err.Error()})
			continue
		}

		data, err := readPart(header)
		if err != nil {
			h.handleError(w, r, "Failed to read file", err)
			return
		}

		files = append(files, batch.File{
			Name:        name,
			ContentType: header.Header.Get("Content-Type"),
			Modified:    parseModified(modified, i),
			Data:        data,
		})
	}

	// every part was rejected by size
	if len(files) == 0 {
		h.handleError(w, r, "Invalid file", firstErr)
		return
	}

	resp, err := h.service.AddFiles(r.Context(), r.PathValue("sid"), files)
	if err != nil {
		h.handleError(w, r, "Failed to add files", err)
		return
	}
	resp.Rejected = rejected

	h.logger.Info("Files uploaded",
		zap.String("trace_id", middleware.GetTraceID(r.Context())),
		zap.String("session_id", r.PathValue("sid")),
		zap.Int("received", len(headers)),
		zap.Int("rejected", len(rejected)),
		zap.Int("added", len(resp.Added)),
	)

	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *SessionHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveItem(r.Context(), r.PathValue("sid"), r.PathValue("id")); err != nil {
		h.handleError(w, r, "Failed to remove item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) RemoveAll(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.RemoveAll(r.Context(), r.PathValue("sid"))
	if err != nil {
		h.handleError(w, r, "Failed to remove items", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) SetFormat(w http.ResponseWriter, r *http.Request) {
	var req dto.FormatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, "Invalid request body", badRequest(err))
		return
	}

	resp, err := h.service.SetFormat(r.Context(), r.PathValue("sid"), req.Format)
	if err != nil {
		h.handleError(w, r, "Failed to set format", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) SetItemFormat(w http.ResponseWriter, r *http.Request) {
	var req dto.FormatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, "Invalid request body", badRequest(err))
		return
	}

	resp, err := h.service.SetItemFormat(r.Context(), r.PathValue("sid"), r.PathValue("id"), req.Format)
	if err != nil {
		h.handleError(w, r, "Failed to set item format", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ConvertAll takes an optional {"format": ...} body; without one the
// session's current format is used.
func (h *SessionHandler) ConvertAll(w http.ResponseWriter, r *http.Request) {
	var req dto.ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, "Invalid request body", badRequest(err))
		return
	}

	resp, err := h.service.ConvertAll(r.Context(), r.PathValue("sid"), req.Format)
	if err != nil {
		h.handleError(w, r, "Failed to convert", err)
		return
	}

	if resp.PartialFailure {
		h.logger.Warn("Batch finished with failures",
			zap.String("trace_id", middleware.GetTraceID(r.Context())),
			zap.String("session_id", r.PathValue("sid")),
			zap.Int("failed", resp.Failed),
			zap.Int("total", resp.Total),
		)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) ConvertItem(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ConvertItem(r.Context(), r.PathValue("sid"), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, "Failed to convert item", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ItemStatus(r.Context(), r.PathValue("sid"), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, "Failed to get item status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.service.Download(r.Context(), r.PathValue("sid"), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, "Failed to download result", err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	h.respondBytes(w, dl)
}

func (h *SessionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	dl, err := h.service.Preview(r.Context(), r.PathValue("handle"))
	if err != nil {
		h.handleError(w, r, "Failed to open preview", err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=300")
	h.respondBytes(w, dl)
}

func (h *SessionHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Optimize(r.Context(), r.PathValue("sid"), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, "Failed to optimize image", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.handleError(w, r, "Invalid limit", badRequest(fmt.Errorf("limit %q", raw)))
			return
		}
		limit = n
	}

	resp, err := h.service.History(r.Context(), r.PathValue("sid"), limit)
	if err != nil {
		h.handleError(w, r, "Failed to load history", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func parseModified(values []string, i int) time.Time {
	if i < len(values) {
		if ms, err := strconv.ParseInt(values[i], 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func sanitizeFilename(filename string) string {
	return filepath.Base(filepath.Clean("/" + filename))
}

type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return requestError{err: err}
}

// statusFor maps service errors onto HTTP status codes and error codes.
func statusFor(err error) (int, string) {
	var reqErr requestError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, validation.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "file_too_large"
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, converter.ErrInvalidFormat):
		return http.StatusBadRequest, "invalid_format"
	case errors.Is(err, validation.ErrInvalidFileType):
		return http.StatusBadRequest, "invalid_file_type"
	case errors.Is(err, validation.ErrEmptyFile):
		return http.StatusBadRequest, "empty_file"
	case errors.Is(err, dto.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, dto.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found"
	case errors.Is(err, batch.ErrPreviewNotFound):
		return http.StatusNotFound, "preview_not_found"
	case errors.Is(err, dto.ErrResultNotReady):
		return http.StatusConflict, "result_not_ready"
	case errors.Is(err, optimizer.ErrNotConfigured):
		return http.StatusServiceUnavailable, "optimizer_unavailable"
	case errors.Is(err, optimizer.ErrOptimizerFailed):
		return http.StatusBadGateway, "optimizer_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *SessionHandler) handleError(w http.ResponseWriter, r *http.Request, message string, err error) {
	traceID := middleware.GetTraceID(r.Context())
	status, code := statusFor(err)

	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Warn(message, fields...)
	}

	h.respondJSON(w, status, dto.ErrorResponse{
		Error:   message + ": " + err.Error(),
		Code:    code,
		TraceID: traceID,
	})
}

func (h *SessionHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *SessionHandler) respondBytes(w http.ResponseWriter, dl *dto.Download) {
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(dl.Data)
}
