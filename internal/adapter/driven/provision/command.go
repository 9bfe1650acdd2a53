// Package provision obtains new API keys by running an operator-configured
// external command, such as an account signup script.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyProvisioner = (*Command)(nil)

// DefaultTimeout bounds one provisioning run.
const DefaultTimeout = 5 * time.Minute

// ErrNoSecret is returned when the command succeeded but printed no secret.
var ErrNoSecret = errors.New("provisioning command produced no secret")

// result is the JSON form a provisioning command may print on stdout.
type result struct {
	Success bool   `json:"success"`
	Secret  string `json:"secret"`
	Error   string `json:"error"`
}

// Command runs argv and reads the new secret from its stdout. The output is
// either a JSON result object or a bare line holding the secret.
type Command struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand creates a Command. A non-positive timeout uses DefaultTimeout.
func NewCommand(argv []string, timeout time.Duration, logger *slog.Logger) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("provisioning command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{argv: argv, timeout: timeout, logger: logger}, nil
}

// ProvisionKey runs the command once and returns the secret it reported.
func (c *Command) ProvisionKey(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...) //nolint:gosec // operator-configured command
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Info("provisioning command finished",
		"command", c.argv[0],
		"duration", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("provisioning command timed out after %s: %w", c.timeout, ctx.Err())
		}
		return "", fmt.Errorf("provisioning command failed: %w: %s", err, lastLine(stderr.String()))
	}

	return parseOutput(stdout.String())
}

// parseOutput extracts the secret from command output.
func parseOutput(out string) (string, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return "", ErrNoSecret
	}

	if strings.HasPrefix(trimmed, "{") {
		var r result
		if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
			return "", fmt.Errorf("decoding provisioning result: %w", err)
		}
		if !r.Success {
			msg := r.Error
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("provisioning reported failure: %s", msg)
		}
		if strings.TrimSpace(r.Secret) == "" {
			return "", ErrNoSecret
		}
		return strings.TrimSpace(r.Secret), nil
	}

	secret := lastLine(trimmed)
	if strings.ContainsAny(secret, " \t") {
		return "", fmt.Errorf("provisioning output is not a secret: %s", model.MaskSecret(secret))
	}
	return secret, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
