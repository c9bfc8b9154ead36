package models

import (
	"time"
)

type ConversionStatus string

const (
	StatusIdle       ConversionStatus = "idle"
	StatusConverting ConversionStatus = "converting"
	StatusSuccess    ConversionStatus = "success"
	StatusError      ConversionStatus = "error"
)

// ItemStatus is the cached view of one item, read by status polling.
type ItemStatus struct {
	SessionID    string           `json:"session_id"`
	ItemID       string           `json:"item_id"`
	Name         string           `json:"name"`
	Format       string           `json:"format"`
	Status       ConversionStatus `json:"status"`
	OutputName   string           `json:"output_name,omitempty"`
	OutputSize   int              `json:"output_size,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Conversion is one recorded terminal conversion attempt.
type Conversion struct {
	ID           int64
	TraceID      string
	SessionID    string
	ItemID       string
	SourceName   string
	OutputName   string
	Format       string
	Status       ConversionStatus
	SourceSize   int
	OutputSize   int
	ErrorMessage string
	CreatedAt    time.Time
}
