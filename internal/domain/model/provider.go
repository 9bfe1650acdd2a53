package model

import "slices"

// Provider identifies an LLM provider family.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter" // Primary, keyed provider.
	ProviderOllama     Provider = "ollama"     // First fallback, local service.
	ProviderPhind      Provider = "phind"      // Second fallback, web provider.
)

// PrimaryProvider is the only provider whose traffic depends on the key pool.
const PrimaryProvider = ProviderOpenRouter

// FallbackChain lists the providers the health monitor switches to, in order,
// once the key pool is exhausted.
var FallbackChain = []Provider{ProviderOllama, ProviderPhind}

// ProviderProfile is the static configuration of one provider.
type ProviderProfile struct {
	Name         Provider
	DisplayName  string
	BaseURL      string
	Models       []string
	DefaultModel string
	Disabled     bool
}

// Title returns the human-readable provider name.
func (p ProviderProfile) Title() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.Name)
}

// HasModel reports whether id is one of the profile's configured models.
func (p ProviderProfile) HasModel(id string) bool {
	return slices.Contains(p.Models, id)
}

// ProviderState is the persisted selection of provider and model.
type ProviderState struct {
	Provider Provider
	Model    string
}

// DefaultProviderState returns the selection used when nothing is persisted.
func DefaultProviderState() ProviderState {
	return ProviderState{Provider: PrimaryProvider}
}

// ClientBinding is what an external client tool needs to reach the currently
// selected provider. APIKey is plaintext and must never be logged.
type ClientBinding struct {
	Provider Provider
	Model    string
	APIKey   string
	APIBase  string
}
