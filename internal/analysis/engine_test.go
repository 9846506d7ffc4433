package analysis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keplear/keplear/internal/analysis"
	"github.com/keplear/keplear/internal/feedback"
	"github.com/keplear/keplear/internal/melody"
	"github.com/keplear/keplear/internal/note"
	"github.com/keplear/keplear/internal/pitch"
	"github.com/keplear/keplear/pkg/audio"
	audiomock "github.com/keplear/keplear/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// markerDetector reports the first sample of a frame as the detected
// frequency, so tests choose the "pitch" of each pushed frame directly. A
// frame starting with zero reads as silence.
type markerDetector struct{}

func (markerDetector) Detect(f audio.Frame) (float64, error) {
	if len(f.Samples) == 0 || f.Samples[0] == 0 {
		return 0, pitch.ErrNoSignal
	}
	return f.Samples[0], nil
}

func toneFrame(freq float64) audio.Frame {
	return audio.Frame{Samples: []float64{freq}, SampleRate: 44100}
}

// feeder pushes the configured frame into a mock source every interval
// until stopped, simulating a sustained tone.
type feeder struct {
	src  *audiomock.Source
	mu   sync.Mutex
	freq float64
	stop chan struct{}
	done chan struct{}
}

func newFeeder(src *audiomock.Source, freq float64) *feeder {
	f := &feeder{src: src, freq: freq, stop: make(chan struct{}), done: make(chan struct{})}
	go f.run()
	return f
}

func (f *feeder) run() {
	defer close(f.done)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			freq := f.freq
			f.mu.Unlock()
			if freq > 0 {
				f.src.Push(toneFrame(freq))
			}
		}
	}
}

func (f *feeder) Set(freq float64) {
	f.mu.Lock()
	f.freq = freq
	f.mu.Unlock()
}

func (f *feeder) Stop() {
	close(f.stop)
	<-f.done
}

// twoNoteMelody is C4 then D4 at 120 BPM (500 ms per note), so a full run
// takes about a second.
func twoNoteMelody() melody.Melody {
	oct := 4
	return melody.Melody{
		Notes: []melody.Note{
			{Class: note.C, Octave: &oct},
			{Class: note.D, Octave: &oct},
		},
		BPM:          120,
		BeatsPerNote: 1,
	}
}

func waitStatus(t *testing.T, e *analysis.Engine, want analysis.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached %v (still %v)", want, e.Status())
}

const (
	freqC4 = 261.63
	freqD4 = 293.66
)

// ── Full runs ────────────────────────────────────────────────────────────────

func TestEngine_CompletesMelody(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)

	finished := make(chan analysis.Status, 1)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond, Debounce: 20 * time.Millisecond},
		analysis.WithOnFinish(func(s analysis.Status) { finished <- s }),
	)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	fd := newFeeder(src, freqC4)
	defer fd.Stop()

	// Play C for the first window, then switch to D.
	time.Sleep(250 * time.Millisecond)
	fd.Set(freqD4)

	select {
	case s := <-finished:
		if s != analysis.StatusCompleted {
			t.Fatalf("finish status: got %v, want completed", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never completed")
	}

	snap := e.Snapshot()
	if len(snap.Tracker.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(snap.Tracker.Results))
	}
	for i, r := range snap.Tracker.Results {
		if !r.Correct {
			t.Errorf("note %d graded incorrect", i)
		}
	}
}

func TestEngine_MissedNotesTimeOutWithoutFrames(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)

	finished := make(chan analysis.Status, 1)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond},
		analysis.WithOnFinish(func(s analysis.Status) { finished <- s }),
	)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	// Push nothing at all: the beat clock alone must grade both notes.
	select {
	case s := <-finished:
		if s != analysis.StatusCompleted {
			t.Fatalf("finish status: got %v, want completed", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never completed on an empty stream")
	}

	snap := e.Snapshot()
	if len(snap.Tracker.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(snap.Tracker.Results))
	}
	for i, r := range snap.Tracker.Results {
		if r.Correct {
			t.Errorf("note %d graded correct without any signal", i)
		}
	}
}

// ── Debounce ─────────────────────────────────────────────────────────────────

func TestEngine_DebounceSuppressesSustainedRepeat(t *testing.T) {
	// Melody C4 C4; with a debounce far longer than the run, a sustained C
	// is forwarded once, so the second note must time out.
	oct := 4
	mel := melody.Melody{
		Notes: []melody.Note{
			{Class: note.C, Octave: &oct},
			{Class: note.C, Octave: &oct},
		},
		BPM:          120,
		BeatsPerNote: 1,
	}
	tracker := feedback.NewTracker(mel, 0)
	src := audiomock.NewSource(8)

	finished := make(chan analysis.Status, 1)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond, Debounce: time.Hour},
		analysis.WithOnFinish(func(s analysis.Status) { finished <- s }),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	fd := newFeeder(src, freqC4)
	defer fd.Stop()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("engine never finished")
	}

	snap := e.Snapshot()
	if len(snap.Tracker.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(snap.Tracker.Results))
	}
	if !snap.Tracker.Results[0].Correct {
		t.Error("first note should match the initial forward")
	}
	if snap.Tracker.Results[1].Correct {
		t.Error("second note matched a detection the debounce should have suppressed")
	}
}

func TestEngine_AlternationBypassesDebounce(t *testing.T) {
	// Melody C4 D4 C4. Only the previously forwarded note is compared, so
	// alternation passes even with an effectively infinite debounce.
	oct := 4
	mel := melody.Melody{
		Notes: []melody.Note{
			{Class: note.C, Octave: &oct},
			{Class: note.D, Octave: &oct},
			{Class: note.C, Octave: &oct},
		},
		BPM:          120,
		BeatsPerNote: 1,
	}
	tracker := feedback.NewTracker(mel, 0)
	src := audiomock.NewSource(8)

	finished := make(chan analysis.Status, 1)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond, Debounce: time.Hour},
		analysis.WithOnFinish(func(s analysis.Status) { finished <- s }),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	fd := newFeeder(src, freqC4)
	defer fd.Stop()

	time.Sleep(250 * time.Millisecond)
	fd.Set(freqD4)
	time.Sleep(500 * time.Millisecond)
	fd.Set(freqC4)

	select {
	case s := <-finished:
		if s != analysis.StatusCompleted {
			t.Fatalf("finish status: got %v, want completed", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine never completed")
	}

	snap := e.Snapshot()
	for i, r := range snap.Tracker.Results {
		if !r.Correct {
			t.Errorf("note %d graded incorrect; alternation should always forward", i)
		}
	}
}

// ── Stop and interruption ────────────────────────────────────────────────────

func TestEngine_StopIsSynchronous(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Stop()

	if got := e.Status(); got != analysis.StatusStopped {
		t.Errorf("status: got %v, want stopped", got)
	}
	if got := tracker.State(); got != feedback.StateIdle {
		t.Errorf("tracker state after stop: got %v, want idle", got)
	}
	if src.CallCountClose == 0 {
		t.Error("stop did not close the capture source")
	}

	// Frames arriving after Stop must not resurrect the session.
	before := len(e.Snapshot().Tracker.Results)
	src.Push(toneFrame(freqC4))
	time.Sleep(50 * time.Millisecond)
	if after := len(e.Snapshot().Tracker.Results); after != before {
		t.Errorf("results changed after Stop: %d to %d", before, after)
	}
}

func TestEngine_DoubleStopIsSafe(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Stop()
	e.Stop()
}

func TestEngine_StreamLossInterrupts(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)

	finished := make(chan analysis.Status, 1)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond},
		analysis.WithOnFinish(func(s analysis.Status) { finished <- s }),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Closing the source mid-attempt simulates losing the microphone.
	if err := src.Close(); err != nil {
		t.Fatalf("close source: %v", err)
	}

	select {
	case s := <-finished:
		if s != analysis.StatusInterrupted {
			t.Fatalf("finish status: got %v, want interrupted", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never noticed the closed stream")
	}

	snap := e.Snapshot()
	if !snap.Tracker.Interrupted {
		t.Error("tracker snapshot should carry the interrupted flag")
	}
	waitStatus(t, e, analysis.StatusInterrupted, time.Second)
}

func TestEngine_DoubleStartRejected(t *testing.T) {
	src := audiomock.NewSource(8)
	tracker := feedback.NewTracker(twoNoteMelody(), 0)
	e := analysis.New(src, markerDetector{}, tracker,
		analysis.Config{TickInterval: 4 * time.Millisecond})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}
}
