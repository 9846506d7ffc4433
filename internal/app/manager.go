package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/keplear/keplear/internal/analysis"
	"github.com/keplear/keplear/internal/config"
	"github.com/keplear/keplear/internal/feedback"
	"github.com/keplear/keplear/internal/melody"
	"github.com/keplear/keplear/internal/note"
	"github.com/keplear/keplear/internal/observe"
	"github.com/keplear/keplear/internal/pitch"
	"github.com/keplear/keplear/pkg/results"
)

// Manager errors surfaced through the HTTP API.
var (
	ErrSessionActive   = errors.New("app: a practice session is already running")
	ErrNoActiveSession = errors.New("app: no practice session is running")
	ErrUnknownExercise = errors.New("app: unknown exercise")
)

// persistTimeout bounds the write of a finished session to the store.
const persistTimeout = 10 * time.Second

// Exercise is the API-facing summary of a loaded exercise file.
type Exercise struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Instrument  string  `json:"instrument,omitempty"`
	BPM         float64 `json:"bpm"`
	NoteCount   int     `json:"noteCount"`
}

// SessionView is the API-facing state of the manager: the live engine
// snapshot while a session runs, and the last finished session otherwise.
type SessionView struct {
	Active    bool               `json:"active"`
	ID        string             `json:"id,omitempty"`
	Exercise  string             `json:"exercise,omitempty"`
	StartedAt time.Time          `json:"startedAt,omitzero"`
	Analysis  *analysis.Snapshot `json:"analysis,omitempty"`
	Last      *results.Session   `json:"last,omitempty"`
}

type loadedExercise struct {
	meta melody.ExerciseMeta
	mel  melody.Melody
}

type activeSession struct {
	id        string
	exercise  string
	mel       melody.Melody
	startedAt time.Time
	engine    *analysis.Engine

	// ready is closed once startup has settled: either engine is assigned
	// and running, or the slot has been released because startup failed.
	// StopSession and the finish callback wait on it before touching engine.
	ready chan struct{}
}

// Manager owns at most one live practice session at a time and turns
// finished sessions into [results.Session] records. All methods are safe
// for concurrent use.
type Manager struct {
	cfg      *config.Config
	registry *config.Registry
	store    results.Store // nil disables persistence
	metrics  *observe.Metrics

	exercises map[string]loadedExercise
	names     []string

	// detector is shared across sessions; only one session runs at a
	// time, and it is retuned before each engine is built.
	detector pitch.Detector

	mu      sync.Mutex
	active  *activeSession
	last    *results.Session
	counter int
}

// NewManager loads every configured exercise file and returns a manager
// ready to start sessions. store may be nil when persistence is disabled.
func NewManager(cfg *config.Config, registry *config.Registry, store results.Store, metrics *observe.Metrics) (*Manager, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	detectorName := cfg.Detection.Detector
	if detectorName == "" {
		detectorName = "autocorrelation"
	}
	detector, err := pitch.New(detectorName, cfg.Detection.PitchConfig())
	if err != nil {
		return nil, fmt.Errorf("app: create detector: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		metrics:   metrics,
		detector:  detector,
		exercises: make(map[string]loadedExercise),
	}

	for _, path := range cfg.Exercises {
		ex, err := melody.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("app: load exercise %q: %w", path, err)
		}
		if _, dup := m.exercises[ex.Exercise.Name]; dup {
			return nil, fmt.Errorf("app: duplicate exercise name %q (%s)", ex.Exercise.Name, path)
		}
		m.exercises[ex.Exercise.Name] = loadedExercise{meta: ex.Exercise, mel: ex.Melody.Melody()}
		m.names = append(m.names, ex.Exercise.Name)
		slog.Info("Loaded exercise", "name", ex.Exercise.Name, "notes", len(ex.Melody.Notes), "path", path)
	}
	sort.Strings(m.names)
	return m, nil
}

// Exercises lists the loaded exercises in name order.
func (m *Manager) Exercises() []Exercise {
	out := make([]Exercise, 0, len(m.names))
	for _, name := range m.names {
		ex := m.exercises[name]
		out = append(out, Exercise{
			Name:        ex.meta.Name,
			Description: ex.meta.Description,
			Instrument:  ex.meta.Instrument,
			BPM:         ex.mel.BPM,
			NoteCount:   ex.mel.Len(),
		})
	}
	return out
}

// StartSession creates and starts a session for the named exercise.
// Only one session may run at a time.
func (m *Manager) StartSession(ctx context.Context, exerciseName string) (SessionView, error) {
	ex, ok := m.exercises[exerciseName]
	if !ok {
		return SessionView{}, fmt.Errorf("%w: %q", ErrUnknownExercise, exerciseName)
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return SessionView{}, ErrSessionActive
	}
	m.counter++
	id := "sess-" + time.Now().UTC().Format("20060102T150405") + "-" + strconv.Itoa(m.counter)
	sess := &activeSession{
		id:        id,
		exercise:  exerciseName,
		mel:       ex.mel,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	m.active = sess
	m.mu.Unlock()

	// A StopSession racing this startup may already have observed sess; it
	// blocks on sess.ready until the engine is running or abandoned.
	abort := func() {
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
		close(sess.ready)
	}

	engine, err := m.buildEngine(sess)
	if err != nil {
		abort()
		return SessionView{}, err
	}
	sess.engine = engine

	// The session must outlive the HTTP request that started it; it ends
	// via StopSession or the engine's own completion path.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		abort()
		return SessionView{}, fmt.Errorf("app: start session: %w", err)
	}
	close(sess.ready)

	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("Practice session started",
		"session", id, "exercise", exerciseName, "notes", ex.mel.Len(), "bpm", ex.mel.BPM)

	return m.viewOf(sess), nil
}

// buildEngine assembles the capture source, detector, tracker and loop for
// one session. The shared detector is retuned here so config reloads take
// effect from the next session.
func (m *Manager) buildEngine(sess *activeSession) (*analysis.Engine, error) {
	m.mu.Lock()
	capture := m.cfg.Capture
	detection := m.cfg.Detection
	fb := m.cfg.Feedback
	m.mu.Unlock()

	source, err := m.registry.CreateSource(capture)
	if err != nil {
		return nil, fmt.Errorf("app: create capture source: %w", err)
	}

	if rt, ok := m.detector.(pitch.Retunable); ok {
		rt.SetConfig(detection.PitchConfig())
	}

	tracker := feedback.NewTracker(sess.mel, fb.CountIn())

	mel := sess.mel
	expected := func(i int) (note.PitchClass, *int) {
		if i < 0 || i >= mel.Len() {
			return "", nil
		}
		n := mel.Notes[i]
		return n.Class, n.Octave
	}

	return analysis.New(source, m.detector, tracker,
		analysis.Config{
			TickInterval: fb.TickInterval.Std(),
			Debounce:     fb.Debounce.Std(),
		},
		analysis.WithMetrics(m.metrics),
		analysis.WithExpectedNote(expected),
		analysis.WithOnFinish(func(status analysis.Status) { m.sessionFinished(sess, status) }),
	), nil
}

// StopSession stops the live session and returns its record. The engine is
// halted synchronously: once StopSession returns no detection is processed.
func (m *Manager) StopSession() (results.Session, error) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return results.Session{}, ErrNoActiveSession
	}

	<-sess.ready

	m.mu.Lock()
	if m.active != sess {
		// Startup failed, or the session finished on its own meanwhile.
		m.mu.Unlock()
		return results.Session{}, ErrNoActiveSession
	}
	m.active = nil
	m.mu.Unlock()

	sess.engine.Stop()
	rec := m.buildRecord(sess, string(analysis.StatusStopped))
	m.finishRecord(rec)
	slog.Info("Practice session stopped",
		"session", sess.id, "correct", rec.CorrectCount(), "of", len(rec.Notes))
	return rec, nil
}

// sessionFinished runs on the engine loop goroutine when a session ends on
// its own (melody complete or capture stream lost).
func (m *Manager) sessionFinished(sess *activeSession, status analysis.Status) {
	<-sess.ready

	m.mu.Lock()
	if m.active != sess {
		// Already torn down by StopSession.
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.mu.Unlock()

	// Release the capture source now that the loop is done.
	go sess.engine.Stop()

	rec := m.buildRecord(sess, string(status))
	m.finishRecord(rec)
	slog.Info("Practice session finished",
		"session", sess.id, "status", status, "correct", rec.CorrectCount(), "of", len(rec.Notes))
}

// buildRecord converts the tracker's results into a storable session.
func (m *Manager) buildRecord(sess *activeSession, status string) results.Session {
	snap := sess.engine.Snapshot()
	notes := make([]results.NoteResult, 0, len(snap.Tracker.Results))
	for _, r := range snap.Tracker.Results {
		notes = append(notes, results.NoteResult{
			NoteIndex:         r.NoteIndex,
			Expected:          expectedLabel(sess.mel, r.NoteIndex),
			Correct:           r.Correct,
			DetectedFrequency: r.DetectedFrequency,
		})
	}
	return results.Session{
		ID:         sess.id,
		Exercise:   sess.exercise,
		Status:     status,
		StartedAt:  sess.startedAt,
		FinishedAt: time.Now(),
		Notes:      notes,
	}
}

// finishRecord records metrics, remembers the session in memory and, when a
// store is configured, persists it.
func (m *Manager) finishRecord(rec results.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	m.metrics.ActiveSessions.Add(ctx, -1)
	for _, n := range rec.Notes {
		m.metrics.RecordNoteResult(ctx, n.Correct)
	}

	m.mu.Lock()
	last := rec
	m.last = &last
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		slog.Error("Failed to persist practice session", "session", rec.ID, "error", err)
	}
}

// View reports the manager's state: the running session's live snapshot, or
// the last finished session when idle.
func (m *Manager) View() SessionView {
	m.mu.Lock()
	sess := m.active
	last := m.last
	m.mu.Unlock()

	if sess != nil {
		return m.viewOf(sess)
	}
	return SessionView{Active: false, Last: last}
}

func (m *Manager) viewOf(sess *activeSession) SessionView {
	var snap *analysis.Snapshot
	if sess.engine != nil {
		s := sess.engine.Snapshot()
		snap = &s
	}
	return SessionView{
		Active:    true,
		ID:        sess.id,
		Exercise:  sess.exercise,
		StartedAt: sess.startedAt,
		Analysis:  snap,
	}
}

// ApplyConfig folds a config reload into the manager. Detection and
// debounce changes take effect when the next session starts; a live session
// keeps the settings it started with.
func (m *Manager) ApplyConfig(diff config.ConfigDiff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if diff.DetectionChanged {
		// Keep the original detector selection; the algorithm itself is
		// not hot-swappable.
		name := m.cfg.Detection.Detector
		m.cfg.Detection = diff.NewDetection
		m.cfg.Detection.Detector = name
		slog.Info("Detection tuning updated; applies from the next session")
	}
	if diff.DebounceChanged {
		m.cfg.Feedback.Debounce = diff.NewDebounce
		slog.Info("Debounce updated; applies from the next session",
			"debounce", diff.NewDebounce.Std())
	}
}

// Close stops any live session. Used during shutdown.
func (m *Manager) Close() error {
	_, err := m.StopSession()
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	return err
}

// expectedLabel renders a melody note for storage ("A4", or "F#" when the
// octave is unpinned).
func expectedLabel(mel melody.Melody, i int) string {
	if i < 0 || i >= mel.Len() {
		return ""
	}
	n := mel.Notes[i]
	if n.Octave == nil {
		return string(n.Class)
	}
	return string(n.Class) + strconv.Itoa(*n.Octave)
}
