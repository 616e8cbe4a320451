package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/resolve"
	"github.com/Servarr/ServarrAPI.Update/internal/util/logging"
)

// parseQuery reads the client fingerprint. A missing os means windows; a
// missing runtime or arch gets the resolver defaults.
func parseQuery(r *http.Request) (resolve.Query, error) {
	q := r.URL.Query()
	query := resolve.Query{
		Branch:           chi.URLParam(r, "branch"),
		InstalledVersion: q.Get("version"),
		RuntimeVersion:   q.Get("runtimeVer"),
	}

	if raw := q.Get("os"); raw == "" {
		query.OS = models.OSWindows
	} else {
		os, err := models.ParseOperatingSystem(raw)
		if err != nil {
			return query, &resolve.ValidationError{Message: "Invalid operating system specified."}
		}
		query.OS = os
	}

	runtime, err := models.ParseRuntime(q.Get("runtime"))
	if err != nil {
		return query, &resolve.ValidationError{Message: "Invalid runtime specified."}
	}
	query.Runtime = runtime

	arch, err := models.ParseArchitecture(q.Get("arch"))
	if err != nil {
		return query, &resolve.ValidationError{Message: "Invalid architecture specified."}
	}
	query.Architecture = arch

	if raw := q.Get("installer"); raw != "" {
		installer, err := strconv.ParseBool(raw)
		if err != nil {
			return query, &resolve.ValidationError{Message: "Invalid installer flag specified."}
		}
		query.Installer = installer
	}
	return query, nil
}

// fail writes a validation message or a 500, logging the latter.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var verr *resolve.ValidationError
	if errors.As(err, &verr) {
		writeValidation(w, verr.Message)
		return
	}
	h.logger.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// GetUpdates handles GET /update/{branch}
func (h *Handler) GetUpdates(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		h.fail(w, r, err, "parsing update query")
		return
	}

	result, err := h.resolver.Check(r.Context(), query)
	if err != nil {
		h.fail(w, r, err, "checking for update")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetChanges handles GET /update/{branch}/changes
func (h *Handler) GetChanges(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		h.fail(w, r, err, "parsing changes query")
		return
	}

	packages, err := h.resolver.Changes(r.Context(), query)
	if err != nil {
		h.fail(w, r, err, "listing changes")
		return
	}
	writeJSON(w, http.StatusOK, packages)
}

// GetUpdateFile handles GET /update/{branch}/updatefile
func (h *Handler) GetUpdateFile(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		h.fail(w, r, err, "parsing updatefile query")
		return
	}
	exact := strings.TrimSpace(query.InstalledVersion)

	artifact, err := h.resolver.UpdateFile(r.Context(), query, exact)
	if err != nil {
		h.fail(w, r, err, "resolving update file")
		return
	}
	if artifact == nil {
		writeValidation(w, fmt.Sprintf("Update file for %s-%s not found.", query.Branch, exact))
		return
	}

	http.Redirect(w, r, artifact.DownloadURL, http.StatusMovedPermanently)
}
