// internal/handler/callback_handler.go
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

const maxCallbackBytes = 64 << 10

// CallbackHandler receives delivery status callbacks from the gateway.
type CallbackHandler struct {
	Reconciler *service.Reconciler
	Log        zerolog.Logger
}

func NewCallbackHandler(r *service.Reconciler, log zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		Reconciler: r,
		Log:        log.With().Str("component", "callback_handler").Logger(),
	}
}

// StatusCallback handles POST /callbacks/status. The whole body is kept as
// the event payload. Unknown message ids are acknowledged with 200 so the
// provider does not redeliver them.
func (h *CallbackHandler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		WriteError(w, appErrors.NewValidation("body", "unreadable"))
		return
	}
	payload := model.Payload{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		WriteError(w, appErrors.NewValidation("body", "invalid JSON"))
		return
	}

	id := firstString(payload, "provider_message_id", "message_id", "id")
	if id == "" {
		WriteError(w, appErrors.NewValidation("provider_message_id", "is required"))
		return
	}
	status := firstString(payload, "status", "event")
	occurred := parseTimestamp(payload, "timestamp", "occurred_at")

	outcome, err := h.Reconciler.Reconcile(r.Context(), id, status, occurred, payload)
	if err != nil {
		h.Log.Error().Err(err).Str("provider_message_id", id).Msg("reconcile failed")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"provider_message_id": id,
		"outcome":             string(outcome),
	})
}

func firstString(p model.Payload, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseTimestamp accepts RFC3339 strings or unix seconds. Missing or
// unparsable values yield the zero time, which the reconciler replaces with
// the receive time.
func parseTimestamp(p model.Payload, keys ...string) time.Time {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0)
			}
		}
	}
	return time.Time{}
}
