// Package httphandler is the HTTP driving adapter that exposes the key pool,
// provider and daemon commands as a JSON API.
package httphandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/application"
	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	control *application.ControlService
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(control *application.ControlService, logger *slog.Logger) *Handler {
	return &Handler{control: control, logger: logger}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. A nil metrics handler leaves
// /metrics unrouted.
func NewServeMux(h *Handler, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)

	mux.HandleFunc("GET /api/v1/keys", h.ListKeys)
	mux.HandleFunc("POST /api/v1/keys", h.AddKey)
	mux.HandleFunc("DELETE /api/v1/keys/{id}", h.RemoveKey)
	mux.HandleFunc("POST /api/v1/keys/rotate", h.RotateKey)
	mux.HandleFunc("POST /api/v1/keys/test", h.TestKey)
	mux.HandleFunc("POST /api/v1/keys/check", h.CheckKey)
	mux.HandleFunc("POST /api/v1/keys/provision", h.ProvisionKey)

	mux.HandleFunc("GET /api/v1/providers", h.ListProviders)
	mux.HandleFunc("GET /api/v1/providers/{name}/models", h.ListModels)
	mux.HandleFunc("POST /api/v1/providers/{name}/switch", h.SwitchProvider)
	mux.HandleFunc("PUT /api/v1/providers/model", h.UpdateModel)

	mux.HandleFunc("GET /api/v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/v1/settings", h.UpdateSettings)

	mux.HandleFunc("GET /api/v1/daemon", h.DaemonStatus)
	mux.HandleFunc("POST /api/v1/daemon/start", h.StartDaemon)
	mux.HandleFunc("POST /api/v1/daemon/stop", h.StopDaemon)
	mux.HandleFunc("POST /api/v1/daemon/restart", h.RestartDaemon)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the pool and provider summary.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(h.control.Status()))
}

// ListKeys returns every pooled key in masked form.
func (h *Handler) ListKeys(w http.ResponseWriter, _ *http.Request) {
	keys := h.control.Keys()

	resp := make([]KeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toKeyResponse(k))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddKey validates and pools a new key.
func (h *Handler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	res, err := h.control.AddKey(r.Context(), req.Key)
	h.writeCommand(w, res, err, http.StatusCreated, http.StatusConflict)
}

// RemoveKey deletes a pooled key by ID.
func (h *Handler) RemoveKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.RemoveKey(r.Context(), r.PathValue("id"))
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// RotateKey rotates to the next healthy key.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.RotateKey(r.Context())
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// TestKey validates the active key. A failed validation is a normal result.
func (h *Handler) TestKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.TestKey(r.Context())
	h.writeCommand(w, res, err, http.StatusOK, http.StatusOK)
}

// CheckKey applies the error-count policy once.
func (h *Handler) CheckKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.CheckKey(r.Context())
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// ProvisionKey runs the provisioning collaborator and pools the result.
func (h *Handler) ProvisionKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.ProvisionKey(r.Context())
	h.writeCommand(w, res, err, http.StatusCreated, http.StatusConflict)
}

// ListProviders returns the provider catalog and the current selection.
func (h *Handler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	st := h.control.ProviderState()
	profiles := h.control.Providers()

	resp := ProvidersResponse{
		CurrentProvider: string(st.Provider),
		CurrentModel:    st.Model,
		Providers:       make([]ProviderResponse, 0, len(profiles)),
	}
	for _, p := range profiles {
		resp.Providers = append(resp.Providers, toProviderResponse(p, st.Provider))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListModels returns the configured and catalog models of a provider.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	models, err := h.control.Models(r.Context(), model.Provider(name))
	if err != nil {
		h.writeFailure(w, "list models", err)
		return
	}
	if models == nil {
		models = []string{}
	}

	writeJSON(w, http.StatusOK, ModelsResponse{Provider: name, Models: models})
}

// SwitchProvider makes the named provider current.
func (h *Handler) SwitchProvider(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.SwitchProvider(r.Context(), r.PathValue("name"))
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// UpdateModel changes the current provider's model.
func (h *Handler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var req UpdateModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}

	res, err := h.control.UpdateModel(r.Context(), req.ModelID)
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// GetSettings returns the rotation settings.
func (h *Handler) GetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSettingsResponse(h.control.Settings()))
}

// UpdateSettings applies a partial settings change and returns the result.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := application.SettingsPatch{
		AutoRotate:    req.AutoRotate,
		MaxErrorCount: req.MaxErrorCount,
	}
	if req.CheckIntervalSeconds != nil {
		d := time.Duration(*req.CheckIntervalSeconds) * time.Second
		patch.CheckInterval = &d
	}

	res, err := h.control.UpdateSettings(r.Context(), patch)
	if err != nil {
		h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, toSettingsResponse(h.control.Settings()))
}

// DaemonStatus returns the health monitor state.
func (h *Handler) DaemonStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toDaemonResponse(h.control.DaemonStatus()))
}

// StartDaemon starts the health monitor.
func (h *Handler) StartDaemon(w http.ResponseWriter, _ *http.Request) {
	res, err := h.control.StartDaemon()
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// StopDaemon stops the health monitor.
func (h *Handler) StopDaemon(w http.ResponseWriter, _ *http.Request) {
	res, err := h.control.StopDaemon()
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// RestartDaemon restarts the health monitor.
func (h *Handler) RestartDaemon(w http.ResponseWriter, _ *http.Request) {
	res, err := h.control.RestartDaemon()
	h.writeCommand(w, res, err, http.StatusOK, http.StatusConflict)
}

// writeCommand writes a command result. Errors map to their domain status;
// unsuccessful results without an error use rejected.
func (h *Handler) writeCommand(w http.ResponseWriter, res model.CommandResult, err error, ok, rejected int) {
	switch {
	case err != nil:
		writeJSON(w, statusFor(err), toCommandResponse(res))
	case !res.Success:
		writeJSON(w, rejected, toCommandResponse(res))
	default:
		writeJSON(w, ok, toCommandResponse(res))
	}
}

// writeFailure writes an error from a query. Internal errors are logged and
// reported generically.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes a bounded JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
