package driven

import "context"

// ReadinessProbe checks whether a fallback provider can serve requests.
type ReadinessProbe interface {
	// Probe returns nil when the provider answered within the context deadline.
	Probe(ctx context.Context) error

	// Recover tries to bring the provider up, e.g. by launching a local
	// service, and returns once it is ready or recovery was abandoned.
	Recover(ctx context.Context) error
}
