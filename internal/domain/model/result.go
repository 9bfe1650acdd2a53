package model

import "time"

// ValidationResult is the outcome of testing one secret against the upstream
// API. A failed validation is data, not an error.
type ValidationResult struct {
	Success bool
	Message string
}

// CommandResult is returned by every operator command.
type CommandResult struct {
	Success bool
	Message string
	Error   string
}

// StatusSnapshot summarizes the pool and provider selection for display.
// The active key only ever appears masked.
type StatusSnapshot struct {
	Provider        Provider
	Model           string
	MaskedActiveKey string
	LastUsed        *time.Time
	ErrorCount      int
	TotalKeys       int
	ActiveKeys      int
	AutoRotate      bool
}

// KeySummary is the masked listing form of a KeyRecord.
type KeySummary struct {
	ID         string
	Index      int
	Masked     string
	IsActive   bool
	LastUsed   *time.Time
	ErrorCount int
	AddedAt    time.Time
}
