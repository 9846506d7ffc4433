package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/keplear/keplear/internal/app"
	"github.com/keplear/keplear/internal/config"
	"github.com/keplear/keplear/pkg/audio"
	audiomock "github.com/keplear/keplear/pkg/audio/mock"
	"github.com/keplear/keplear/pkg/results"
	resultsmock "github.com/keplear/keplear/pkg/results/mock"
)

// writeExercise drops an exercise YAML into dir and returns its path. High
// BPM keeps test sessions short.
func writeExercise(t *testing.T, dir, name string, bpm int) string {
	t.Helper()
	doc := `exercise:
  name: "` + name + `"
  instrument: guitar
melody:
  bpm: ` + strconv.Itoa(bpm) + `
  notes:
    - {class: C, octave: 4}
    - {class: D, octave: 4}
`
	path := filepath.Join(dir, strings.ReplaceAll(name, " ", "-")+".yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write exercise: %v", err)
	}
	return path
}

// testEnv carries a config wired to a mock capture source and a mock store.
// The registry hands out a fresh source per session and keeps the latest one
// so tests can close it.
type testEnv struct {
	cfg      *config.Config
	registry *config.Registry
	store    *resultsmock.Store
	manager  *app.Manager

	lastSource *audiomock.Source
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	zero := 0
	env := &testEnv{
		registry: config.NewRegistry(),
		store:    resultsmock.NewStore(),
	}
	env.cfg = &config.Config{
		Capture: config.CaptureConfig{Source: "mock", SampleRate: 44100, FrameSize: 2048},
		Feedback: config.FeedbackConfig{
			CountInBeats: &zero,
			TickInterval: config.Duration(4 * time.Millisecond),
			Debounce:     config.Duration(20 * time.Millisecond),
		},
		Exercises: []string{
			writeExercise(t, dir, "Fast walk", 600),
			writeExercise(t, dir, "Slow walk", 30),
		},
	}
	env.registry.RegisterSource("mock", func(config.CaptureConfig) (audio.Source, error) {
		src := audiomock.NewSource(8)
		env.lastSource = src
		return src, nil
	})
	return env
}

// withManager completes the env with a manager built on its config.
func (env *testEnv) withManager(t *testing.T) *testEnv {
	t.Helper()
	mgr, err := app.NewManager(env.cfg, env.registry, env.store, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	env.manager = mgr
	t.Cleanup(func() { mgr.Close() })
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestManager_ExercisesSorted(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	exs := env.manager.Exercises()
	if len(exs) != 2 {
		t.Fatalf("exercises: got %d, want 2", len(exs))
	}
	if exs[0].Name != "Fast walk" || exs[1].Name != "Slow walk" {
		t.Errorf("order: got %q, %q", exs[0].Name, exs[1].Name)
	}
	if exs[0].NoteCount != 2 || exs[0].BPM != 600 {
		t.Errorf("metadata: got %+v", exs[0])
	}
	if exs[0].Instrument != "guitar" {
		t.Errorf("instrument: got %q", exs[0].Instrument)
	}
}

func TestManager_DuplicateExerciseRejected(t *testing.T) {
	dir := t.TempDir()
	first := writeExercise(t, dir, "Same name", 60)

	// A second file carrying the identical exercise name.
	dup := filepath.Join(dir, "dup.yaml")
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dup, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Capture:   config.CaptureConfig{Source: "mock"},
		Exercises: []string{first, dup},
	}

	if _, err := app.NewManager(cfg, config.NewRegistry(), nil, nil); err == nil {
		t.Error("duplicate exercise name should be rejected")
	} else if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention the duplicate: %v", err)
	}
}

func TestManager_StartStopRoundTrip(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	view, err := env.manager.StartSession(context.Background(), "Slow walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !view.Active {
		t.Error("view should be active right after start")
	}
	if !strings.HasPrefix(view.ID, "sess-") {
		t.Errorf("session id: got %q", view.ID)
	}
	if view.Exercise != "Slow walk" {
		t.Errorf("exercise: got %q", view.Exercise)
	}
	if view.Analysis == nil {
		t.Error("active view should carry an analysis snapshot")
	}

	rec, err := env.manager.StopSession()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.Status != "stopped" {
		t.Errorf("status: got %q, want stopped", rec.Status)
	}
	if rec.ID != view.ID {
		t.Errorf("record id %q does not match view id %q", rec.ID, view.ID)
	}
	if env.store.CallCountSave != 1 {
		t.Errorf("save calls: got %d, want 1", env.store.CallCountSave)
	}
	if env.lastSource.CallCountClose == 0 {
		t.Error("stop should close the capture source")
	}

	after := env.manager.View()
	if after.Active {
		t.Error("view should be idle after stop")
	}
	if after.Last == nil || after.Last.ID != rec.ID {
		t.Error("idle view should carry the last finished session")
	}
}

func TestManager_OnlyOneSessionAtATime(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	if _, err := env.manager.StartSession(context.Background(), "Slow walk"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.manager.StartSession(context.Background(), "Fast walk"); !errors.Is(err, app.ErrSessionActive) {
		t.Errorf("second start: got %v, want ErrSessionActive", err)
	}

	if _, err := env.manager.StopSession(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := env.manager.StartSession(context.Background(), "Fast walk"); err != nil {
		t.Errorf("start after stop: %v", err)
	}
}

func TestManager_UnknownExercise(t *testing.T) {
	env := newTestEnv(t).withManager(t)
	if _, err := env.manager.StartSession(context.Background(), "Chromatic sprint"); !errors.Is(err, app.ErrUnknownExercise) {
		t.Errorf("got %v, want ErrUnknownExercise", err)
	}
}

func TestManager_StopWithoutSession(t *testing.T) {
	env := newTestEnv(t).withManager(t)
	if _, err := env.manager.StopSession(); !errors.Is(err, app.ErrNoActiveSession) {
		t.Errorf("got %v, want ErrNoActiveSession", err)
	}
}

func TestManager_SourceFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t).withManager(t)
	env.registry.RegisterSource("mock", func(config.CaptureConfig) (audio.Source, error) {
		return nil, errors.New("device busy")
	})

	_, err := env.manager.StartSession(context.Background(), "Slow walk")
	if err == nil || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("got %v, want source failure", err)
	}
	// The failed start must not leave a phantom active session behind.
	if _, err := env.manager.StopSession(); !errors.Is(err, app.ErrNoActiveSession) {
		t.Errorf("after failed start: got %v, want ErrNoActiveSession", err)
	}
}

func TestManager_StopDuringStartWaitsForEngine(t *testing.T) {
	env := newTestEnv(t)
	building := make(chan struct{})
	release := make(chan struct{})
	env.registry.RegisterSource("mock", func(config.CaptureConfig) (audio.Source, error) {
		close(building)
		<-release
		src := audiomock.NewSource(8)
		env.lastSource = src
		return src, nil
	})
	env.withManager(t)

	startErr := make(chan error, 1)
	go func() {
		_, err := env.manager.StartSession(context.Background(), "Slow walk")
		startErr <- err
	}()
	<-building

	// The slot is claimed before the engine exists; a stop arriving now
	// must wait for startup to settle instead of touching a half-built
	// session.
	var rec results.Session
	var stopErr error
	stopDone := make(chan struct{})
	go func() {
		rec, stopErr = env.manager.StopSession()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		t.Fatal("StopSession returned while the capture source was still being built")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-startErr; err != nil {
		t.Fatalf("start: %v", err)
	}
	<-stopDone
	if stopErr != nil {
		t.Fatalf("stop: %v", stopErr)
	}
	if rec.Status != "stopped" {
		t.Errorf("status: got %q, want %q", rec.Status, "stopped")
	}
	if view := env.manager.View(); view.Active {
		t.Error("manager still reports an active session")
	}
}

func TestManager_SessionCompletesOnItsOwn(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	// 600 BPM and two one-beat notes: the melody times out in about 200 ms
	// without any audio.
	view, err := env.manager.StartSession(context.Background(), "Fast walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(env.store.Saved()) == 1 })
	saved := env.store.Saved()[0]
	if saved.ID != view.ID {
		t.Errorf("saved id %q does not match %q", saved.ID, view.ID)
	}
	if saved.Status != "completed" {
		t.Errorf("status: got %q, want completed", saved.Status)
	}
	if len(saved.Notes) != 2 {
		t.Fatalf("notes: got %d, want 2", len(saved.Notes))
	}
	for i, n := range saved.Notes {
		if n.Correct {
			t.Errorf("note %d graded correct without any audio", i)
		}
		if want := []string{"C4", "D4"}[i]; n.Expected != want {
			t.Errorf("note %d expected label: got %q, want %q", i, n.Expected, want)
		}
	}

	waitFor(t, time.Second, func() bool { return !env.manager.View().Active })
	idle := env.manager.View()
	if idle.Last == nil || idle.Last.ID != view.ID {
		t.Error("idle view should expose the completed session")
	}
}

func TestManager_StreamLossRecordsInterrupted(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	if _, err := env.manager.StartSession(context.Background(), "Slow walk"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.lastSource.Close(); err != nil {
		t.Fatalf("close source: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(env.store.Saved()) == 1 })
	if got := env.store.Saved()[0].Status; got != "interrupted" {
		t.Errorf("status: got %q, want interrupted", got)
	}
}

func TestManager_NilStoreKeepsLastInMemory(t *testing.T) {
	env := newTestEnv(t)
	mgr, err := app.NewManager(env.cfg, env.registry, nil, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.StartSession(context.Background(), "Slow walk"); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := mgr.StopSession()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	view := mgr.View()
	if view.Last == nil || view.Last.ID != rec.ID {
		t.Error("last session should survive in memory without a store")
	}
}

func TestManager_ApplyConfigNextSession(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	tuned := env.cfg.Detection
	tuned.Detector = "spectral" // must not take effect
	tuned.NoiseFloor = 0.05

	env.manager.ApplyConfig(config.ConfigDiff{
		DetectionChanged: true,
		NewDetection:     tuned,
		DebounceChanged:  true,
		NewDebounce:      config.Duration(250 * time.Millisecond),
	})

	if env.cfg.Detection.NoiseFloor != 0.05 {
		t.Errorf("noise floor: got %v, want 0.05", env.cfg.Detection.NoiseFloor)
	}
	if env.cfg.Detection.Detector == "spectral" {
		t.Error("detector selection must not change on reload")
	}
	if env.cfg.Feedback.Debounce.Std() != 250*time.Millisecond {
		t.Errorf("debounce: got %v", env.cfg.Feedback.Debounce.Std())
	}
}

func TestManager_CloseStopsActiveSession(t *testing.T) {
	env := newTestEnv(t).withManager(t)

	if _, err := env.manager.StartSession(context.Background(), "Slow walk"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.manager.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if len(env.store.Saved()) != 1 {
		t.Fatalf("saved sessions: got %d, want 1", len(env.store.Saved()))
	}
	if got := env.store.Saved()[0].Status; got != "stopped" {
		t.Errorf("status: got %q, want stopped", got)
	}

	// Closing again with nothing active is a no-op.
	if err := env.manager.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
