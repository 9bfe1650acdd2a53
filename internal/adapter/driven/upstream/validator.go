// Package upstream talks to provider HTTP APIs: key validation against the
// OpenRouter auth endpoint and model catalog listing.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyValidator = (*Validator)(nil)

const (
	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultKeyPattern matches OpenRouter API keys.
	DefaultKeyPattern = `^sk-or-[A-Za-z0-9-]{30,}$`

	defaultTimeout = 10 * time.Second
	defaultRPS     = 2
	defaultBurst   = 4

	// maxErrorBody caps how much of a failed response is read.
	maxErrorBody = 64 << 10
)

// Validator checks API keys against GET {base}/auth/key.
type Validator struct {
	client  *http.Client
	baseURL string
	pattern *regexp.Regexp
	limiter *rate.Limiter
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithHTTPClient replaces the HTTP client. Its Timeout bounds each request.
func WithHTTPClient(c *http.Client) ValidatorOption {
	return func(v *Validator) { v.client = c }
}

// WithTimeout bounds each validation request.
func WithTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.client.Timeout = d }
}

// WithKeyPattern replaces the format check pattern.
func WithKeyPattern(re *regexp.Regexp) ValidatorOption {
	return func(v *Validator) { v.pattern = re }
}

// WithRateLimit throttles outbound validations to rps with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) ValidatorOption {
	return func(v *Validator) {
		if rps <= 0 {
			v.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		v.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// NewValidator creates a Validator for the API rooted at baseURL.
func NewValidator(baseURL string, opts ...ValidatorOption) *Validator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	v := &Validator{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		pattern: regexp.MustCompile(DefaultKeyPattern),
		limiter: rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckFormat rejects empty secrets and secrets that do not match the
// configured pattern.
func (v *Validator) CheckFormat(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: API key is empty", model.ErrValidationFailed)
	}
	if v.pattern != nil && !v.pattern.MatchString(secret) {
		return fmt.Errorf("%w: invalid API key format", model.ErrValidationFailed)
	}
	return nil
}

// Validate performs one authenticated request. HTTP 200 means the key is
// usable; every other outcome is reported as a failed result.
func (v *Validator) Validate(ctx context.Context, secret string) model.ValidationResult {
	if err := v.limiter.Wait(ctx); err != nil {
		return failure("Error testing API key: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/key", nil)
	if err != nil {
		return failure("Error testing API key: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return failure("Error testing API key: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return model.ValidationResult{Success: true, Message: "API key is valid"}
	}

	return failure("API key test failed: %s", errorMessage(resp))
}

// errorMessage extracts error.message from an OpenRouter error body, falling
// back to the status text.
func errorMessage(resp *http.Response) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func failure(format string, args ...any) model.ValidationResult {
	return model.ValidationResult{Success: false, Message: fmt.Sprintf(format, args...)}
}
