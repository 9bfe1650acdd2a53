package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ModelCatalog = (*Catalog)(nil)

const catalogTimeout = 10 * time.Second

// Catalog lists the models a provider serves. Responses go through an
// in-memory HTTP cache so repeated listings revalidate with ETags instead
// of refetching the full document.
type Catalog struct {
	client *http.Client
	url    string
	decode func(io.Reader) ([]string, error)
}

// NewCachingClient returns an HTTP client backed by an in-memory
// conditional-request cache.
func NewCachingClient() *http.Client {
	return &http.Client{
		Transport: httpcache.NewMemoryCacheTransport(),
		Timeout:   catalogTimeout,
	}
}

// NewOpenRouterCatalog lists models from GET {base}/models.
// A nil client uses NewCachingClient.
func NewOpenRouterCatalog(baseURL string, client *http.Client) *Catalog {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return newCatalog(client, strings.TrimRight(baseURL, "/")+"/models", decodeOpenRouter)
}

// NewOllamaCatalog lists locally pulled models from GET {base}/api/tags.
// A nil client uses NewCachingClient.
func NewOllamaCatalog(baseURL string, client *http.Client) *Catalog {
	return newCatalog(client, strings.TrimRight(baseURL, "/")+"/api/tags", decodeOllama)
}

func newCatalog(client *http.Client, url string, decode func(io.Reader) ([]string, error)) *Catalog {
	if client == nil {
		client = NewCachingClient()
	}
	return &Catalog{client: client, url: url, decode: decode}
}

// ListModels returns the sorted model identifiers.
func (c *Catalog) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching model catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching model catalog: unexpected status %d", resp.StatusCode)
	}

	models, err := c.decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding model catalog: %w", err)
	}
	sort.Strings(models)
	return models, nil
}

func decodeOpenRouter(r io.Reader) ([]string, error) {
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

func decodeOllama(r io.Reader) ([]string, error) {
	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models, nil
}
