package driven

import "context"

// KeyProvisioner obtains a brand-new secret from outside the process, for
// example by signing up for a new upstream account.
type KeyProvisioner interface {
	ProvisionKey(ctx context.Context) (string, error)
}
