package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, CommandResponse{Success: false, Message: message, Error: message})
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAllKeysFailed), errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CommandResponse is the JSON body returned by every command endpoint.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// StatusResponse summarizes the pool and the current provider.
type StatusResponse struct {
	Provider   string  `json:"current_provider"`
	Model      string  `json:"current_model"`
	ActiveKey  string  `json:"active_key,omitempty"`
	LastUsed   *string `json:"last_used"`
	ErrorCount int     `json:"error_count"`
	TotalKeys  int     `json:"total_keys"`
	ActiveKeys int     `json:"active_keys"`
	AutoRotate bool    `json:"auto_rotate"`
}

// KeyResponse is the masked JSON representation of a pooled key.
type KeyResponse struct {
	ID         string  `json:"id"`
	Index      int     `json:"index"`
	Key        string  `json:"key"`
	IsActive   bool    `json:"is_active"`
	LastUsed   *string `json:"last_used"`
	ErrorCount int     `json:"error_count"`
	AddedAt    string  `json:"added_at"`
}

// AddKeyRequest is the JSON body for the add key endpoint.
type AddKeyRequest struct {
	Key string `json:"key"`
}

// ProviderResponse is the JSON representation of a provider profile.
type ProviderResponse struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	BaseURL      string   `json:"base_url"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
	Disabled     bool     `json:"disabled"`
	Current      bool     `json:"current"`
}

// ProvidersResponse lists providers alongside the current selection.
type ProvidersResponse struct {
	CurrentProvider string             `json:"current_provider"`
	CurrentModel    string             `json:"current_model"`
	Providers       []ProviderResponse `json:"providers"`
}

// ModelsResponse lists the models a provider offers.
type ModelsResponse struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

// UpdateModelRequest is the JSON body for the update model endpoint.
type UpdateModelRequest struct {
	ModelID string `json:"model_id"`
}

// SettingsResponse is the JSON representation of the rotation settings.
type SettingsResponse struct {
	AutoRotate           bool `json:"auto_rotate"`
	CheckIntervalSeconds int  `json:"check_interval_seconds"`
	MaxErrorCount        int  `json:"max_error_count"`
}

// UpdateSettingsRequest is the JSON body for the update settings endpoint.
// Omitted fields keep their current value.
type UpdateSettingsRequest struct {
	AutoRotate           *bool `json:"auto_rotate"`
	CheckIntervalSeconds *int  `json:"check_interval_seconds"`
	MaxErrorCount        *int  `json:"max_error_count"`
}

// DaemonResponse is the JSON representation of the health monitor state.
type DaemonResponse struct {
	Status    string  `json:"status"`
	Running   bool    `json:"running"`
	LastRun   *string `json:"last_run"`
	LastCheck *string `json:"last_check"`
}

func toCommandResponse(res model.CommandResult) CommandResponse {
	return CommandResponse{Success: res.Success, Message: res.Message, Error: res.Error}
}

func toStatusResponse(s model.StatusSnapshot) StatusResponse {
	return StatusResponse{
		Provider:   string(s.Provider),
		Model:      s.Model,
		ActiveKey:  s.MaskedActiveKey,
		LastUsed:   formatOptional(s.LastUsed),
		ErrorCount: s.ErrorCount,
		TotalKeys:  s.TotalKeys,
		ActiveKeys: s.ActiveKeys,
		AutoRotate: s.AutoRotate,
	}
}

func toKeyResponse(k model.KeySummary) KeyResponse {
	return KeyResponse{
		ID:         k.ID,
		Index:      k.Index,
		Key:        k.Masked,
		IsActive:   k.IsActive,
		LastUsed:   formatOptional(k.LastUsed),
		ErrorCount: k.ErrorCount,
		AddedAt:    k.AddedAt.UTC().Format(time.RFC3339),
	}
}

func toProviderResponse(p model.ProviderProfile, current model.Provider) ProviderResponse {
	models := p.Models
	if models == nil {
		models = []string{}
	}
	return ProviderResponse{
		Name:         string(p.Name),
		DisplayName:  p.Title(),
		BaseURL:      p.BaseURL,
		Models:       models,
		DefaultModel: p.DefaultModel,
		Disabled:     p.Disabled,
		Current:      p.Name == current,
	}
}

func toSettingsResponse(s model.Settings) SettingsResponse {
	return SettingsResponse{
		AutoRotate:           s.AutoRotate,
		CheckIntervalSeconds: int(s.CheckInterval / time.Second),
		MaxErrorCount:        s.MaxErrorCount,
	}
}

func toDaemonResponse(d model.DaemonState) DaemonResponse {
	return DaemonResponse{
		Status:    string(d.Status),
		Running:   d.Running,
		LastRun:   formatOptional(d.LastRun),
		LastCheck: formatOptional(d.LastCheck),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
