package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imageConverter/api/batch"
	"imageConverter/api/dto"
	"imageConverter/api/middleware"
	"imageConverter/api/optimizer"
	"imageConverter/api/validation"
	"imageConverter/worker/converter"
)

type mockSessionService struct {
	addFilesFunc    func(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error)
	convertAllFunc  func(ctx context.Context, sessionID, format string) (*dto.ConvertResponse, error)
	setFormatFunc   func(ctx context.Context, sessionID, format string) (*dto.SessionResponse, error)
	downloadFunc    func(ctx context.Context, sessionID, itemID string) (*dto.Download, error)
	previewFunc     func(ctx context.Context, handle string) (*dto.Download, error)
	optimizeFunc    func(ctx context.Context, sessionID, itemID string) (*dto.OptimizeResponse, error)
	historyFunc     func(ctx context.Context, sessionID string, limit int) (*dto.HistoryResponse, error)
	removeItemFunc  func(ctx context.Context, sessionID, itemID string) error
	itemStatusFunc  func(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error)
	getSessionFunc  func(ctx context.Context, sessionID string) (*dto.SessionResponse, error)
	deleteSessionFn func(ctx context.Context, sessionID string) error
}

func (m *mockSessionService) CreateSession(ctx context.Context) (*dto.SessionResponse, error) {
	return &dto.SessionResponse{
		ID:        uuid.New().String(),
		Format:    "png",
		Items:     []dto.ItemResponse{},
		CreatedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (m *mockSessionService) GetSession(ctx context.Context, sessionID string) (*dto.SessionResponse, error) {
	if m.getSessionFunc != nil {
		return m.getSessionFunc(ctx, sessionID)
	}
	return &dto.SessionResponse{ID: sessionID, Format: "png"}, nil
}

func (m *mockSessionService) DeleteSession(ctx context.Context, sessionID string) error {
	if m.deleteSessionFn != nil {
		return m.deleteSessionFn(ctx, sessionID)
	}
	return nil
}

func (m *mockSessionService) AddFiles(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error) {
	if m.addFilesFunc != nil {
		return m.addFilesFunc(ctx, sessionID, files)
	}
	return &dto.AddItemsResponse{Total: len(files)}, nil
}

func (m *mockSessionService) RemoveItem(ctx context.Context, sessionID, itemID string) error {
	if m.removeItemFunc != nil {
		return m.removeItemFunc(ctx, sessionID, itemID)
	}
	return nil
}

func (m *mockSessionService) RemoveAll(ctx context.Context, sessionID string) (*dto.RemoveResponse, error) {
	return &dto.RemoveResponse{Removed: 3}, nil
}

func (m *mockSessionService) SetFormat(ctx context.Context, sessionID, format string) (*dto.SessionResponse, error) {
	if m.setFormatFunc != nil {
		return m.setFormatFunc(ctx, sessionID, format)
	}
	return &dto.SessionResponse{ID: sessionID, Format: format}, nil
}

func (m *mockSessionService) SetItemFormat(ctx context.Context, sessionID, itemID, format string) (*dto.ItemResponse, error) {
	return &dto.ItemResponse{ID: itemID, Format: format}, nil
}

func (m *mockSessionService) ConvertAll(ctx context.Context, sessionID, format string) (*dto.ConvertResponse, error) {
	if m.convertAllFunc != nil {
		return m.convertAllFunc(ctx, sessionID, format)
	}
	return &dto.ConvertResponse{Format: format}, nil
}

func (m *mockSessionService) ConvertItem(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error) {
	return &dto.ItemResponse{ID: itemID, Status: "success"}, nil
}

func (m *mockSessionService) ItemStatus(ctx context.Context, sessionID, itemID string) (*dto.ItemResponse, error) {
	if m.itemStatusFunc != nil {
		return m.itemStatusFunc(ctx, sessionID, itemID)
	}
	return &dto.ItemResponse{ID: itemID, Status: "idle"}, nil
}

func (m *mockSessionService) Download(ctx context.Context, sessionID, itemID string) (*dto.Download, error) {
	return m.downloadFunc(ctx, sessionID, itemID)
}

func (m *mockSessionService) Preview(ctx context.Context, handle string) (*dto.Download, error) {
	return m.previewFunc(ctx, handle)
}

func (m *mockSessionService) Optimize(ctx context.Context, sessionID, itemID string) (*dto.OptimizeResponse, error) {
	return m.optimizeFunc(ctx, sessionID, itemID)
}

func (m *mockSessionService) History(ctx context.Context, sessionID string, limit int) (*dto.HistoryResponse, error) {
	if m.historyFunc != nil {
		return m.historyFunc(ctx, sessionID, limit)
	}
	return &dto.HistoryResponse{SessionID: sessionID}, nil
}

func newTestServer(t *testing.T, svc SessionService) http.Handler {
	mux := http.NewServeMux()
	NewSessionHandler(svc, 1024, zaptest.NewLogger(t)).Register(mux)
	return middleware.TraceID(mux)
}

func do(t *testing.T, h http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

type part struct {
	name        string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, parts []part, modified []string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, p.name))
		if p.contentType != "" {
			header.Set("Content-Type", p.contentType)
		}
		w, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	for _, m := range modified {
		require.NoError(t, writer.WriteField("last_modified", m))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestSessionHandler_CreateSession(t *testing.T) {
	h := newTestServer(t, &mockSessionService{})

	rec := do(t, h, http.MethodPost, "/sessions", nil, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	var resp dto.SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "png", resp.Format)
}

func TestSessionHandler_Upload(t *testing.T) {
	var got []batch.File
	svc := &mockSessionService{
		addFilesFunc: func(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error) {
			assert.Equal(t, "s1", sessionID)
			got = files
			return &dto.AddItemsResponse{Added: []dto.ItemResponse{{Name: "a.png"}}, Total: 1}, nil
		},
	}
	h := newTestServer(t, svc)

	body, contentType := multipartBody(t, []part{
		{name: "../../a.png", contentType: "image/png", data: []byte{0x89, 'P', 'N', 'G'}},
		{name: "b.jpg", data: []byte{0xFF, 0xD8, 0xFF}},
	}, []string{"1714560000000"})

	rec := do(t, h, http.MethodPost, "/sessions/s1/items", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, got, 2)
	assert.Equal(t, "a.png", got[0].Name)
	assert.Equal(t, "image/png", got[0].ContentType)
	assert.Equal(t, time.UnixMilli(1714560000000), got[0].Modified)
	assert.True(t, got[1].Modified.IsZero())
}

func TestSessionHandler_Upload_Errors(t *testing.T) {
	tests := []struct {
		name   string
		parts  []part
		svcErr error
		status int
		code   string
	}{
		{"no files", nil, nil, http.StatusBadRequest, "bad_request"},
		{"empty file", []part{{name: "a.png", data: nil}}, nil, http.StatusBadRequest, "empty_file"},
		{"too large", []part{{name: "a.png", data: bytes.Repeat([]byte{1}, 2048)}}, nil, http.StatusRequestEntityTooLarge, "file_too_large"},
		{"not images", []part{{name: "a.txt", data: []byte("x")}}, validation.ErrInvalidFileType, http.StatusBadRequest, "invalid_file_type"},
		{"unknown session", []part{{name: "a.png", data: []byte("x")}}, dto.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSessionService{
				addFilesFunc: func(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error) {
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					return &dto.AddItemsResponse{}, nil
				},
			}
			h := newTestServer(t, svc)

			body, contentType := multipartBody(t, tt.parts, nil)
			rec := do(t, h, http.MethodPost, "/sessions/s1/items", body, contentType)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestSessionHandler_Upload_SkipsRejectedParts(t *testing.T) {
	var got []batch.File
	svc := &mockSessionService{
		addFilesFunc: func(ctx context.Context, sessionID string, files []batch.File) (*dto.AddItemsResponse, error) {
			got = files
			return &dto.AddItemsResponse{Added: []dto.ItemResponse{{Name: "ok.png"}}, Total: 1}, nil
		},
	}
	h := newTestServer(t, svc)

	body, contentType := multipartBody(t, []part{
		{name: "empty.png", data: nil},
		{name: "ok.png", data: []byte{0x89, 'P', 'N', 'G'}},
		{name: "big.png", data: bytes.Repeat([]byte{1}, 2048)},
	}, []string{"1", "1714560000000", "3"})

	rec := do(t, h, http.MethodPost, "/sessions/s1/items", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, got, 1)
	assert.Equal(t, "ok.png", got[0].Name)
	assert.Equal(t, time.UnixMilli(1714560000000), got[0].Modified)

	var resp dto.AddItemsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Rejected, 2)
	assert.Equal(t, "empty.png", resp.Rejected[0].Name)
	assert.Equal(t, "empty_file", resp.Rejected[0].Code)
	assert.Equal(t, "big.png", resp.Rejected[1].Name)
	assert.Equal(t, "file_too_large", resp.Rejected[1].Code)
}

func TestSessionHandler_ConvertAll(t *testing.T) {
	svc := &mockSessionService{
		convertAllFunc: func(ctx context.Context, sessionID, format string) (*dto.ConvertResponse, error) {
			assert.NotEmpty(t, middleware.GetTraceID(ctx))
			if format == "svg" {
				return nil, fmt.Errorf("%w: %q", converter.ErrInvalidFormat, format)
			}
			return &dto.ConvertResponse{Format: format, Total: 5, Succeeded: 4, Failed: 1, PartialFailure: true}, nil
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodPost, "/sessions/s1/convert", bytes.NewBufferString(`{"format":"ico"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.ConvertResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.PartialFailure)
	assert.Equal(t, 4, resp.Succeeded)

	rec = do(t, h, http.MethodPost, "/sessions/s1/convert", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "body is optional")

	rec = do(t, h, http.MethodPost, "/sessions/s1/convert", bytes.NewBufferString(`{"format":"svg"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/convert", bytes.NewBufferString(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionHandler_SetFormat(t *testing.T) {
	svc := &mockSessionService{
		setFormatFunc: func(ctx context.Context, sessionID, format string) (*dto.SessionResponse, error) {
			return &dto.SessionResponse{ID: sessionID, Format: format}, nil
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodPut, "/sessions/s1/format", bytes.NewBufferString(`{"format":"webp"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/sessions/s1/items/i1/format", bytes.NewBufferString(`{"format":"gif"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var item dto.ItemResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&item))
	assert.Equal(t, "i1", item.ID)
	assert.Equal(t, "gif", item.Format)
}

func TestSessionHandler_Download(t *testing.T) {
	svc := &mockSessionService{
		downloadFunc: func(ctx context.Context, sessionID, itemID string) (*dto.Download, error) {
			switch itemID {
			case "done":
				return &dto.Download{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("jpeg bytes")}, nil
			case "pending":
				return nil, dto.ErrResultNotReady
			default:
				return nil, dto.ErrItemNotFound
			}
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodGet, "/sessions/s1/items/done/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="a.jpg"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "jpeg bytes", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/sessions/s1/items/pending/download", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/sessions/s1/items/other/download", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "item_not_found", decodeError(t, rec).Code)
}

func TestSessionHandler_Preview(t *testing.T) {
	svc := &mockSessionService{
		previewFunc: func(ctx context.Context, handle string) (*dto.Download, error) {
			if handle == "live" {
				return &dto.Download{ContentType: "image/png", Data: []byte("png")}, nil
			}
			return nil, batch.ErrPreviewNotFound
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodGet, "/previews/live", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/previews/gone", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_Optimize(t *testing.T) {
	svc := &mockSessionService{
		optimizeFunc: func(ctx context.Context, sessionID, itemID string) (*dto.OptimizeResponse, error) {
			switch itemID {
			case "ok":
				return &dto.OptimizeResponse{Image: "data:image/png;base64,AA==", Description: "Sharper"}, nil
			case "down":
				return nil, fmt.Errorf("%w: status 503", optimizer.ErrOptimizerFailed)
			default:
				return nil, optimizer.ErrNotConfigured
			}
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodPost, "/sessions/s1/items/ok/optimize", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/items/down/optimize", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "optimizer_failed", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/items/x/optimize", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionHandler_History(t *testing.T) {
	svc := &mockSessionService{
		historyFunc: func(ctx context.Context, sessionID string, limit int) (*dto.HistoryResponse, error) {
			assert.Equal(t, 25, limit)
			return &dto.HistoryResponse{SessionID: sessionID}, nil
		},
	}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodGet, "/sessions/s1/history?limit=25", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/sessions/s1/history?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionHandler_RemoveAndStatus(t *testing.T) {
	svc := &mockSessionService{
		removeItemFunc: func(ctx context.Context, sessionID, itemID string) error {
			if itemID == "missing" {
				return dto.ErrItemNotFound
			}
			return nil
		},
		deleteSessionFn: func(ctx context.Context, sessionID string) error {
			return dto.ErrSessionNotFound
		},
	}
	h := newTestServer(t, svc)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/sessions/s1/items/i1", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/sessions/s1/items/missing", nil, "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/sessions/s1/items", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/sessions/s1", nil, "").Code)

	rec := do(t, h, http.MethodGet, "/sessions/s1/items/i1/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"idle"`))
}

func TestSessionHandler_TraceIDPropagates(t *testing.T) {
	svc := &mockSessionService{
		getSessionFunc: func(ctx context.Context, sessionID string) (*dto.SessionResponse, error) {
			return nil, dto.ErrSessionNotFound
		},
	}
	h := newTestServer(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	req.Header.Set("X-Trace-ID", "trace-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "trace-42", decodeError(t, rec).TraceID)
}
