package dto

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrResultNotReady  = errors.New("conversion result not ready")
)

type SessionResponse struct {
	ID        string         `json:"id"`
	Format    string         `json:"format"`
	Items     []ItemResponse `json:"items"`
	CreatedAt string         `json:"created_at"`
}

type ItemResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Format      string `json:"format"`
	Status      string `json:"status"`
	OutputName  string `json:"output_name,omitempty"`
	OutputSize  int    `json:"output_size,omitempty"`
	Error       string `json:"error,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type AddItemsResponse struct {
	Added    []ItemResponse `json:"added"`
	Rejected []RejectedFile `json:"rejected,omitempty"`
	Total    int            `json:"total"`
}

// RejectedFile is an upload part dropped before it reached the batch.
type RejectedFile struct {
	Name  string `json:"name"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type FormatRequest struct {
	Format string `json:"format"`
}

type ConvertRequest struct {
	Format string `json:"format"`
}

type ConvertResponse struct {
	Format         string         `json:"format"`
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	PartialFailure bool           `json:"partial_failure"`
	Items          []ItemResponse `json:"items"`
}

type RemoveResponse struct {
	Removed int `json:"removed"`
}

// Download is an encoded result handed to the client as an attachment.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

type OptimizeResponse struct {
	Image       string `json:"image"`
	Description string `json:"description"`
}

type ConversionResponse struct {
	ID         int64  `json:"id"`
	TraceID    string `json:"trace_id,omitempty"`
	ItemID     string `json:"item_id"`
	SourceName string `json:"source_name"`
	OutputName string `json:"output_name,omitempty"`
	Format     string `json:"format"`
	Status     string `json:"status"`
	SourceSize int    `json:"source_size"`
	OutputSize int    `json:"output_size,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type HistoryResponse struct {
	SessionID   string               `json:"session_id"`
	Conversions []ConversionResponse `json:"conversions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}
