// Package webhook matches incoming webhook deliveries to parked runs:
// waiter lookup by (slug, identifier), CSRF token validation, and
// WEBHOOK_RESPONSE signal delivery.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/store"
)

// TokenField is the CSRF field checked against a waiter's expected
// token. The pages service embeds it in generated forms.
const TokenField = "__positronic_token"

// UIFormSlug is the built-in slug generated UI pages submit to.
const UIFormSlug = "system/ui-form"

// Delivery actions.
const (
	ActionResumed      = "resumed"
	ActionNotFound     = "not_found"
	ActionIgnored      = "ignored"
	ActionVerification = "verification"
)

// Signaler delivers signals to runs. Implemented by runner.Manager.
type Signaler interface {
	Signal(ctx context.Context, brainRunID string, sig models.Signal) error
}

// Response is the router's answer to a delivery. Status is the HTTP
// status the API layer should use; it is not serialized.
type Response struct {
	Received   bool   `json:"received"`
	Action     string `json:"action"`
	Type       string `json:"type,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	BrainRunID string `json:"brainRunId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Challenge  string `json:"challenge,omitempty"`

	Status int `json:"-"`
}

// Router routes webhook deliveries to waiting runs.
type Router struct {
	monitor *monitor.Monitor
	runs    Signaler
	logger  *slog.Logger
}

// NewRouter builds a router over the monitor's waiter table.
func NewRouter(mon *monitor.Monitor, runs Signaler, logger *slog.Logger) *Router {
	return &Router{
		monitor: mon,
		runs:    runs,
		logger:  logger.With("component", "webhook"),
	}
}

// Deliver processes one webhook delivery. The payload is the parsed
// request body; the CSRF token field is stripped before the payload is
// handed to the run.
func (r *Router) Deliver(ctx context.Context, slug, identifier string, payload map[string]any) Response {
	if kind, ok := payload["type"].(string); ok && kind == "verification" {
		challenge, _ := payload["challenge"].(string)
		return Response{
			Received:  true,
			Action:    ActionVerification,
			Type:      "verification",
			Challenge: challenge,
			Status:    http.StatusOK,
		}
	}

	waiter, err := r.monitor.FindWaiter(ctx, slug, identifier)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.InfoContext(ctx, "webhook for unknown waiter", "slug", slug, "identifier", identifier)
		return Response{Received: true, Action: ActionNotFound, Identifier: identifier, Status: http.StatusNotFound}
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "waiter lookup failed", "slug", slug, "error", err)
		return Response{Action: ActionIgnored, Reason: "internal error", Status: http.StatusInternalServerError}
	}

	token, _ := payload[TokenField].(string)
	switch {
	case waiter.ExpectedToken == "" && token == "":
		r.logger.WarnContext(ctx, "webhook accepted without CSRF token",
			"slug", slug, "identifier", identifier, "brain_run_id", waiter.BrainRunID)
	case waiter.ExpectedToken != token:
		return Response{Action: ActionIgnored, Reason: "token mismatch", Status: http.StatusForbidden}
	}
	delete(payload, TokenField)

	// Claim the waiter before signalling. The run only clears its waiter
	// rows once it journals the response, so a duplicate delivery in that
	// window would otherwise match the same waiter and leave a second
	// signal queued for the run's next park.
	if err := r.monitor.ClaimWaiter(ctx, slug, identifier); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.InfoContext(ctx, "webhook waiter already claimed", "slug", slug, "identifier", identifier)
			return Response{Received: true, Action: ActionNotFound, Identifier: identifier, Status: http.StatusNotFound}
		}
		r.logger.ErrorContext(ctx, "waiter claim failed", "slug", slug, "error", err)
		return Response{Action: ActionIgnored, Reason: "internal error", Status: http.StatusInternalServerError}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		r.restore(ctx, *waiter)
		return Response{Action: ActionIgnored, Reason: "unserializable payload", Status: http.StatusBadRequest}
	}

	err = r.runs.Signal(ctx, waiter.BrainRunID, models.Signal{
		Type:    models.SignalWebhookResponse,
		Payload: body,
	})
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrRunNotFound):
		return Response{Received: true, Action: ActionNotFound, Identifier: identifier, Status: http.StatusNotFound}
	case errors.Is(err, runner.ErrRunTerminal):
		return Response{Action: ActionIgnored, Reason: "run not accepting webhook responses", Status: http.StatusOK}
	case errors.Is(err, lifecycle.ErrTransitionDenied):
		// The run is alive but cannot take the response right now; the
		// waiter goes back so a retry can land after the run settles.
		r.restore(ctx, *waiter)
		return Response{Action: ActionIgnored, Reason: "run not accepting webhook responses", Status: http.StatusOK}
	default:
		r.logger.ErrorContext(ctx, "webhook signal delivery failed",
			"slug", slug, "brain_run_id", waiter.BrainRunID, "error", err)
		r.restore(ctx, *waiter)
		return Response{Action: ActionIgnored, Reason: "internal error", Status: http.StatusInternalServerError}
	}

	r.logger.InfoContext(ctx, "webhook delivered",
		"slug", slug, "identifier", identifier, "brain_run_id", waiter.BrainRunID)
	return Response{
		Received:   true,
		Action:     ActionResumed,
		Identifier: identifier,
		BrainRunID: waiter.BrainRunID,
		Status:     http.StatusOK,
	}
}

// restore puts a claimed waiter back after a rejected delivery.
func (r *Router) restore(ctx context.Context, w models.Waiter) {
	if err := r.monitor.RestoreWaiter(ctx, w); err != nil && !errors.Is(err, store.ErrConflict) {
		r.logger.ErrorContext(ctx, "failed to restore waiter",
			"slug", w.Slug, "identifier", w.Identifier, "brain_run_id", w.BrainRunID, "error", err)
	}
}

// ErrMissingIdentifier reports a ui-form submission without an
// identifier field.
var ErrMissingIdentifier = errors.New("missing identifier")

// FormPayload converts a form body into a webhook payload. Fields named
// key[] collect into arrays under key; repeated plain fields keep all
// values.
func FormPayload(values url.Values) map[string]any {
	payload := make(map[string]any, len(values))
	for key, vals := range values {
		if name, ok := strings.CutSuffix(key, "[]"); ok {
			payload[name] = vals
			continue
		}
		if len(vals) == 1 {
			payload[key] = vals[0]
		} else if len(vals) > 1 {
			payload[key] = vals
		}
	}
	return payload
}

// DeliverForm handles the built-in ui-form endpoint: the identifier
// comes from the form body and is required.
func (r *Router) DeliverForm(ctx context.Context, values url.Values) (Response, error) {
	payload := FormPayload(values)
	identifier, _ := payload["identifier"].(string)
	if identifier == "" {
		return Response{}, fmt.Errorf("%w: ui-form submission without identifier", ErrMissingIdentifier)
	}
	return r.Deliver(ctx, UIFormSlug, identifier, payload), nil
}
