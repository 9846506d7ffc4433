package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/keplear/keplear/internal/observe"
	"github.com/keplear/keplear/pkg/results"
)

// startRequest is the body of POST /api/v1/session/start.
type startRequest struct {
	Exercise string `json:"exercise"`
}

type apiError struct {
	Error string `json:"error"`
}

// registerAPI adds the practice API routes to mux.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/exercises", a.handleExercises)
	mux.HandleFunc("GET /api/v1/session", a.handleSession)
	mux.HandleFunc("POST /api/v1/session/start", a.handleStart)
	mux.HandleFunc("POST /api/v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /api/v1/sessions", a.handleHistory)
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.handleHistoryOne)
}

// handleExercises lists the loaded exercises.
func (a *App) handleExercises(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Exercises())
}

// handleSession reports the live session snapshot, or the last finished
// session when idle.
func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.View())
}

// handleStart starts a session for the requested exercise.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Exercise == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "exercise is required"})
		return
	}

	view, err := a.manager.StartSession(r.Context(), req.Exercise)
	switch {
	case errors.Is(err, ErrUnknownExercise):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	case errors.Is(err, ErrSessionActive):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Error("Failed to start session", "exercise", req.Exercise, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, view)
	}
}

// handleStop stops the live session and returns its record.
func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	rec, err := a.manager.StopSession()
	switch {
	case errors.Is(err, ErrNoActiveSession):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleHistory lists stored sessions, newest first. Supports ?exercise=
// and ?limit= query filters.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotImplemented, apiError{Error: "no results store configured"})
		return
	}

	opts := results.ListOpts{Exercise: r.URL.Query().Get("exercise")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid limit"})
			return
		}
		opts.Limit = limit
	}

	sessions, err := a.store.ListSessions(r.Context(), opts)
	if err != nil {
		observe.Logger(r.Context()).Error("Failed to list sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "listing sessions failed"})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleHistoryOne returns one stored session by ID.
func (a *App) handleHistoryOne(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotImplemented, apiError{Error: "no results store configured"})
		return
	}

	sess, err := a.store.GetSession(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, results.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Error("Failed to load session", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "loading session failed"})
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding response failed"}`, http.StatusInternalServerError)
	}
}
