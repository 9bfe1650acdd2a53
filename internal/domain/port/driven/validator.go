package driven

import (
	"context"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// KeyValidator checks secrets against the upstream API. Implementations are
// stateless and safe for concurrent use.
type KeyValidator interface {
	// CheckFormat returns a model.ErrValidationFailed-wrapped error when the
	// secret is empty or does not look like a key for the upstream API.
	CheckFormat(secret string) error

	// Validate performs one bounded upstream request. Failures of any kind
	// are reported in the result rather than as an error.
	Validate(ctx context.Context, secret string) model.ValidationResult
}
