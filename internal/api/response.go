package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// internalErrorBody is sent when a response cannot be encoded. It must stay in step with models.Error.
const internalErrorBody = `{"status":"error","message":"Internal server error"}` + "\n"

// respond encodes body as JSON and writes it with status. Encoding happens before any header is
// written, so a body that fails to encode becomes a 500 instead of a truncated 200.
func respond(w http.ResponseWriter, r *http.Request, status int, body models.APIResponse) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		slog.Error("Server.respond: failed to encode response", "path", r.URL.Path, "error", err)
		buf.Reset()
		buf.WriteString(internalErrorBody)
		status = http.StatusInternalServerError
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("Server.respond: client went away mid-response", "path", r.URL.Path, "error", err)
	}
}

// respondError writes an error envelope carrying msg.
func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respond(w, r, status, models.Error(msg))
}

// respondList writes the outcome of a store listing. what names the collection in logs and in
// the client-facing error message.
func respondList[T any](w http.ResponseWriter, r *http.Request, what string, items []T, err error) {
	if err != nil {
		slog.Error("Server.respondList: store read failed", "collection", what, "error", err)
		respondError(w, r, http.StatusInternalServerError, "Failed to fetch "+what)
		return
	}
	if items == nil {
		items = []T{}
	}
	slog.Debug("Server.respondList: collection fetched", "collection", what, "count", len(items))
	respond(w, r, http.StatusOK, models.Success(items))
}
