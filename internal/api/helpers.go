package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atoms-tech/maice/internal/authshim"
	"github.com/atoms-tech/maice/internal/merr"
)

func parseSessionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// userIDFrom resolves the authenticated user id from the request context.
// When the server runs without a JWT secret (local development, tests)
// there is no auth middleware and every request acts as one anonymous
// user.
func userIDFrom(r *http.Request) string {
	if id, ok := authshim.UserID(r.Context()); ok && id != "" {
		return id
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps a merr.Error to its HTTP status via the Kind->status
// table; any other error is treated as an opaque internal failure.
func writeErr(w http.ResponseWriter, err error) {
	if me, ok := merr.AsError(err); ok {
		writeJSON(w, merr.HTTPStatus(me.Kind), map[string]string{"code": string(me.Code), "message": me.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "internal", "message": err.Error()})
}
