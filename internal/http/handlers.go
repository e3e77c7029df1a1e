package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/view"
)

type handlers struct {
	grid Grid
}

type viewInfo struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Entries   int      `json:"entries"`
	HighWater uint64   `json:"high_water"`
	Keys      []string `json:"keys,omitempty"`
}

func describe(v *view.View) viewInfo {
	return viewInfo{
		Name:      v.Name(),
		Status:    v.Status().String(),
		Entries:   v.Len(),
		HighWater: v.HighWater(),
	}
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.grid.Ready(r.Context()); err != nil {
		logger.From(r.Context()).Warn("not ready", logger.Err(err))
		WriteError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), 2001)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) listViews(w http.ResponseWriter, _ *http.Request) {
	views := h.grid.Views()
	out := make([]viewInfo, 0, len(views))
	for _, v := range views {
		out = append(out, describe(v))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) view(w http.ResponseWriter, r *http.Request) (*view.View, bool) {
	name := chi.URLParam(r, "name")
	v, ok := h.grid.View(name)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown_view", "vista inexistente: "+name, 1404)
		return nil, false
	}
	return v, true
}

func (h *handlers) getView(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	info := describe(v)
	if v.Status() != view.Dead {
		keys, err := v.Keys()
		if err != nil {
			WriteGridError(w, err)
			return
		}
		info.Keys = keys
	}
	WriteJSON(w, http.StatusOK, info)
}

func (h *handlers) resyncView(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	if err := v.Resync(r.Context()); err != nil {
		WriteGridError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, describe(v))
}

func (h *handlers) getViewEntry(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	val, found, err := v.Get(key)
	if err != nil {
		WriteGridError(w, err)
		return
	}
	if !found {
		WriteError(w, http.StatusNotFound, "not_found", "key inexistente en la vista", 1404)
		return
	}
	writeValue(w, val, 0)
}

// Las rutas de caches pasan por el near cache del mismo nombre si existe;
// si no, van directo al store.

func (h *handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	if nc, ok := h.grid.NearCache(name); ok {
		val, found, err := nc.Get(r.Context(), key)
		if err != nil {
			WriteGridError(w, err)
			return
		}
		if !found {
			WriteError(w, http.StatusNotFound, "not_found", "key inexistente", 1404)
			return
		}
		writeValue(w, val, 0)
		return
	}

	st, err := h.grid.Store(name)
	if err != nil {
		WriteGridError(w, err)
		return
	}
	v, found, err := st.Get(r.Context(), key)
	if err != nil {
		WriteGridError(w, err)
		return
	}
	if !found {
		WriteError(w, http.StatusNotFound, "not_found", "key inexistente", 1404)
		return
	}
	writeValue(w, v.Value, v.Version)
}

func (h *handlers) putEntry(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	val, ok := readValue(w, r)
	if !ok {
		return
	}

	var (
		version uint64
		err     error
	)
	if nc, ok := h.grid.NearCache(name); ok {
		version, err = nc.Put(r.Context(), key, val)
	} else {
		st, serr := h.grid.Store(name)
		if serr != nil {
			WriteGridError(w, serr)
			return
		}
		version, err = st.Put(r.Context(), key, val)
	}
	if err != nil {
		WriteGridError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]uint64{"version": version})
}

func (h *handlers) deleteEntry(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")

	var (
		existed bool
		err     error
	)
	if nc, ok := h.grid.NearCache(name); ok {
		existed, err = nc.Remove(r.Context(), key)
	} else {
		st, serr := h.grid.Store(name)
		if serr != nil {
			WriteGridError(w, serr)
			return
		}
		_, existed, err = st.Remove(r.Context(), key)
	}
	if err != nil {
		WriteGridError(w, err)
		return
	}
	if !existed {
		WriteError(w, http.StatusNotFound, "not_found", "key inexistente", 1404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeValue escribe el valor crudo. version 0 omite el header.
func writeValue(w http.ResponseWriter, val []byte, version uint64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if version > 0 {
		w.Header().Set("X-Grid-Version", strconv.FormatUint(version, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(val)
}
