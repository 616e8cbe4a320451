package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/util/logging"
	"github.com/Servarr/ServarrAPI.Update/internal/worker"
)

const (
	replyThanks   = "Thank you."
	replyRejected = "No, thank you."
)

// Refresh handles GET|POST /webhook/refresh?source=&api_key=
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeText(w, http.StatusOK, replyRejected)
		return
	}

	source := r.URL.Query().Get("source")
	unknown := "Unknown source " + source

	kind, err := models.ParseSourceKind(source)
	if err != nil || h.refresher == nil {
		writeText(w, http.StatusOK, unknown)
		return
	}

	if err := h.refresher.Refresh(kind); err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownSource):
			writeText(w, http.StatusOK, unknown)
		case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "refresh queue unavailable")
		default:
			h.logger.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("queueing refresh")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h.logger.Info().Str("request_id", logging.RequestID(r.Context())).Str("source", string(kind)).Msg("refresh queued")
	writeText(w, http.StatusOK, replyThanks)
}

// InvalidateBranch handles GET|POST /webhook/branch/{branch}/refresh?api_key=
func (h *Handler) InvalidateBranch(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeText(w, http.StatusOK, replyRejected)
		return
	}

	branch := strings.TrimSpace(chi.URLParam(r, "branch"))
	if branch == "" {
		writeText(w, http.StatusOK, "Unknown branch.")
		return
	}

	if h.purger != nil {
		if err := h.purger.PurgeBranch(r.Context(), branch); err != nil {
			h.logger.Error().Err(err).Str("branch", branch).Msg("purging branch")
			writeError(w, http.StatusBadGateway, "cache purge failed")
			return
		}
	}
	writeText(w, http.StatusOK, replyThanks)
}
