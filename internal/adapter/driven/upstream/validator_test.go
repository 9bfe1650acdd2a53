package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/upstream"
	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

const validKey = "sk-or-v1-0123456789abcdef0123456789abcdef"

// newTestValidator creates a Validator backed by the given httptest handler.
func newTestValidator(t *testing.T, handler http.Handler, opts ...upstream.ValidatorOption) *upstream.Validator {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]upstream.ValidatorOption{
		upstream.WithHTTPClient(server.Client()),
		upstream.WithRateLimit(0, 0),
	}, opts...)
	return upstream.NewValidator(server.URL+"/", opts...)
}

func TestCheckFormat(t *testing.T) {
	v := upstream.NewValidator("")

	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "valid", secret: validKey},
		{name: "empty", secret: "", wantErr: true},
		{name: "whitespace", secret: "   ", wantErr: true},
		{name: "wrong prefix", secret: "sk-ant-REDACTED", wantErr: true},
		{name: "too short", secret: "sk-or-abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CheckFormat(tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrValidationFailed)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCheckFormat_CustomPattern(t *testing.T) {
	v := upstream.NewValidator("", upstream.WithKeyPattern(regexp.MustCompile(`^test-\d+$`)))

	assert.NoError(t, v.CheckFormat("test-42"))
	assert.ErrorIs(t, v.CheckFormat(validKey), model.ErrValidationFailed)
}

func TestValidate_Success(t *testing.T) {
	var gotAuth, gotPath string
	v := newTestValidator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"label":"test","usage":0}}`))
	}))

	res := v.Validate(context.Background(), validKey)

	assert.True(t, res.Success)
	assert.Equal(t, "API key is valid", res.Message)
	assert.Equal(t, "Bearer "+validKey, gotAuth)
	assert.Equal(t, "/auth/key", gotPath)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "upstream error message",
			status:  http.StatusUnauthorized,
			body:    `{"error":{"message":"No auth credentials found","code":401}}`,
			wantMsg: "API key test failed: No auth credentials found",
		},
		{
			name:    "status text fallback",
			status:  http.StatusTooManyRequests,
			body:    `not json`,
			wantMsg: "API key test failed: 429 Too Many Requests",
		},
		{
			name:    "empty error object",
			status:  http.StatusPaymentRequired,
			body:    `{"error":{}}`,
			wantMsg: "API key test failed: 402 Payment Required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			res := v.Validate(context.Background(), validKey)

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantMsg, res.Message)
		})
	}
}

func TestValidate_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	v := upstream.NewValidator(url, upstream.WithRateLimit(0, 0))
	res := v.Validate(context.Background(), validKey)

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Error testing API key")
	assert.NotContains(t, res.Message, validKey)
}

func TestValidate_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	v := newTestValidator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), upstream.WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := v.Validate(context.Background(), validKey)

	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestValidate_ContextCancelled(t *testing.T) {
	var hits atomic.Int32
	v := newTestValidator(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := v.Validate(ctx, validKey)

	assert.False(t, res.Success)
	assert.Zero(t, hits.Load())
}

func TestValidate_RateLimited(t *testing.T) {
	var hits atomic.Int32
	v := newTestValidator(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}), upstream.WithRateLimit(0.001, 1))

	require.True(t, v.Validate(context.Background(), validKey).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := v.Validate(ctx, validKey)

	assert.False(t, res.Success)
	assert.Equal(t, int32(1), hits.Load())
}
