package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/nearcache"
	"github.com/dropDatabas3/hellogrid/internal/view"
)

// maxValueBytes es el tamaño máximo aceptado para un valor en PUT.
const maxValueBytes = 1 << 20

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        int    `json:"error_code,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, desc string, errCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		ErrorCode:        errCode,
		RequestID:        rid,
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteGridError traduce los errores del grid a status HTTP.
func WriteGridError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backing.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error(), 1404)
	case errors.Is(err, backing.ErrDestroyed), errors.Is(err, view.ErrViewDeactivated), errors.Is(err, nearcache.ErrCacheClosed):
		WriteError(w, http.StatusGone, "gone", err.Error(), 1410)
	case errors.Is(err, backing.ErrNotLeader):
		WriteError(w, http.StatusMisdirectedRequest, "not_leader", err.Error(), 1421)
	case errors.Is(err, backing.ErrDisconnected), errors.Is(err, backing.ErrClosed):
		WriteError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), 1503)
	default:
		WriteError(w, http.StatusInternalServerError, "internal", err.Error(), 1500)
	}
}

// readValue lee el body crudo de un PUT, limitado a maxValueBytes.
func readValue(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxValueBytes)
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "invalid_body", "body inválido o demasiado grande", 1102)
		return nil, false
	}
	return b, true
}
