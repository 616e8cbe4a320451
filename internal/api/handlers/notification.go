package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

const maxNotificationBody = 64 << 10

// ListNotifications handles GET /notification
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		h.fail(w, r, err, "parsing notification query")
		return
	}
	// Mono is an alias of the legacy runtime.
	if query.Runtime == models.RuntimeMono {
		query.Runtime = models.RuntimeLegacyManaged
	}
	branch := r.URL.Query().Get("branch")

	all, err := h.notifications.ListNotifications(r.Context())
	if err != nil {
		h.fail(w, r, err, "listing notifications")
		return
	}

	matched := []models.Notification{}
	for _, n := range all {
		if n.Matches(query.InstalledVersion, strings.ToLower(branch), query.OS, query.Runtime, query.Architecture) {
			matched = append(matched, n)
		}
	}
	writeJSON(w, http.StatusOK, matched)
}

// AddNotification handles POST /notification?api_key=
func (h *Handler) AddNotification(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var n models.Notification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBody)).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}
	if strings.TrimSpace(n.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if n.Type == 0 {
		n.Type = models.NotificationNotice
	}
	for i, b := range n.Branches {
		n.Branches[i] = strings.ToLower(b)
	}

	id, err := h.notifications.InsertNotification(r.Context(), &n)
	if err != nil {
		h.fail(w, r, err, "storing notification")
		return
	}
	n.ID = id
	writeJSON(w, http.StatusOK, n)
}

// DeleteNotification handles DELETE /notification/{id}?api_key=
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	if err := h.notifications.DeleteNotification(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("notification %d not found", id))
			return
		}
		h.fail(w, r, err, "deleting notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
