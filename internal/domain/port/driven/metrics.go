package driven

import "github.com/ericfisherdev/keyrelay/internal/domain/model"

// MetricsRecorder receives operational events from the application layer.
type MetricsRecorder interface {
	KeyValidated(success bool)
	KeyRotated(success bool)
	FallbackActivated(provider model.Provider)
	DaemonCycle(outcome string)
	PoolSize(total int)
}

// NopMetrics discards every event.
type NopMetrics struct{}

var _ MetricsRecorder = NopMetrics{}

func (NopMetrics) KeyValidated(bool)                {}
func (NopMetrics) KeyRotated(bool)                  {}
func (NopMetrics) FallbackActivated(model.Provider) {}
func (NopMetrics) DaemonCycle(string)               {}
func (NopMetrics) PoolSize(int)                     {}
