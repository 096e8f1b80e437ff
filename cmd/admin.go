package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

// admin exposes the host signals and queue inspection over HTTP.
type admin struct {
	controller *offlinecache.Controller
	registry   *offlinecache.Registry
	queue      *offlinecache.Queue
	logger     *slog.Logger
}

func (a *admin) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /_offline/activate", a.signal(offlinecache.SignalActivate))
	mux.HandleFunc("POST /_offline/online", a.signal(offlinecache.SignalConnectivityRestored))
	mux.HandleFunc("POST /_offline/superseded", a.signal(offlinecache.SignalSuperseded))
	mux.HandleFunc("GET /_offline/state", a.state)
	mux.HandleFunc("GET /_offline/queue", a.pending)
	mux.HandleFunc("DELETE /_offline/queue/{id}", a.discard)
}

type stateResponse struct {
	Version  string             `json:"version"`
	State    offlinecache.State `json:"state"`
	Current  string             `json:"current"`
	Versions []string           `json:"versions"`
}

type taskResponse struct {
	ID          string     `json:"id"`
	Method      string     `json:"method"`
	URL         string     `json:"url"`
	Attempts    int        `json:"attempts"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("error writing admin response", "error", err)
	}
}

func (a *admin) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, offlinecache.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, offlinecache.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, offlinecache.ErrReplay):
		status = http.StatusBadGateway
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *admin) currentState() stateResponse {
	return stateResponse{
		Version:  a.controller.Tag(),
		State:    a.controller.State(),
		Current:  a.registry.Current(),
		Versions: a.registry.Versions(),
	}
}

func (a *admin) signal(sig offlinecache.Signal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.controller.Signal(r.Context(), sig); err != nil {
			a.logger.WarnContext(r.Context(), "signal failed", "signal", sig.String(), "error", err)
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, a.currentState())
	}
}

func (a *admin) state(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.currentState())
}

func (a *admin) pending(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.Pending(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		tr := taskResponse{
			ID:         t.ID,
			Method:     t.Method,
			URL:        t.URL,
			Attempts:   t.Attempts,
			EnqueuedAt: t.EnqueuedAt,
		}
		if !t.LastAttempt.IsZero() {
			last := t.LastAttempt
			tr.LastAttempt = &last
		}
		out = append(out, tr)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *admin) discard(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Discard(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
