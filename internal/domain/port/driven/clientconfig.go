package driven

import (
	"context"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// ClientConfigSink publishes the current provider binding to an external
// client tool's configuration.
type ClientConfigSink interface {
	Publish(ctx context.Context, binding model.ClientBinding) error
}
