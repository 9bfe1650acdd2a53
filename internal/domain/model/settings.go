package model

import "time"

// Settings is the persisted rotation policy.
type Settings struct {
	AutoRotate    bool
	CheckInterval time.Duration
	MaxErrorCount int
}

// DefaultSettings returns the rotation policy used when none is persisted.
func DefaultSettings() Settings {
	return Settings{
		AutoRotate:    true,
		CheckInterval: 5 * time.Minute,
		MaxErrorCount: 3,
	}
}
