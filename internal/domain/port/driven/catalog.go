package driven

import "context"

// ModelCatalog lists the model identifiers a provider currently serves.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]string, error)
}
