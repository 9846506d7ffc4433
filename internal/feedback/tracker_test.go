package feedback_test

import (
	"testing"
	"time"

	"github.com/keplear/keplear/internal/feedback"
	"github.com/keplear/keplear/internal/melody"
	"github.com/keplear/keplear/internal/note"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// fourNotes is a C-D-E-F walk at 60 BPM (one beat = one second), one beat
// per note, every note pinned to octave 4.
func fourNotes() melody.Melody {
	oct := 4
	return melody.Melody{
		Notes: []melody.Note{
			{Class: note.C, Octave: &oct},
			{Class: note.D, Octave: &oct},
			{Class: note.E, Octave: &oct},
			{Class: note.F, Octave: &oct},
		},
		BPM:          60,
		BeatsPerNote: 1,
	}
}

func detected(class note.PitchClass, octave int, freq float64) note.Note {
	return note.Note{Class: class, Octave: octave, Frequency: freq}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestTracker_StartsIdle(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), -1)
	if got := tr.State(); got != feedback.StateIdle {
		t.Errorf("state before Start: got %v, want StateIdle", got)
	}
}

func TestTracker_CountInThenAwaiting(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 4)
	start := time.Now()
	tr.Start(start)

	if got := tr.State(); got != feedback.StateCountingIn {
		t.Fatalf("state after Start: got %v, want StateCountingIn", got)
	}

	// Mid count-in.
	tr.Tick(start.Add(2 * time.Second))
	if got := tr.State(); got != feedback.StateCountingIn {
		t.Errorf("state at beat 2: got %v, want StateCountingIn", got)
	}

	// Count-in over.
	tr.Tick(start.Add(4 * time.Second))
	snap := tr.Snapshot()
	if snap.State != feedback.StateAwaitingNote {
		t.Errorf("state at beat 4: got %v, want StateAwaitingNote", snap.State)
	}
	if snap.CurrentNote != 0 {
		t.Errorf("current note: got %d, want 0", snap.CurrentNote)
	}
}

func TestTracker_ZeroCountInSkipsStraightToFirstNote(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	tr.Start(time.Now())
	if got := tr.State(); got != feedback.StateAwaitingNote {
		t.Errorf("state after Start: got %v, want StateAwaitingNote", got)
	}
}

func TestTracker_EmptyMelodyCompletesImmediately(t *testing.T) {
	tr := feedback.NewTracker(melody.Melody{BPM: 60, BeatsPerNote: 1}, 0)
	tr.Start(time.Now())
	if got := tr.State(); got != feedback.StateComplete {
		t.Errorf("state after Start: got %v, want StateComplete", got)
	}
}

// ── Grading ──────────────────────────────────────────────────────────────────

func TestTracker_AllCorrectRun(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)

	plays := []struct {
		at    time.Duration
		class note.PitchClass
		freq  float64
	}{
		{500 * time.Millisecond, note.C, 261.63},
		{1500 * time.Millisecond, note.D, 293.66},
		{2500 * time.Millisecond, note.E, 329.63},
		{3500 * time.Millisecond, note.F, 349.23},
	}
	for _, p := range plays {
		tr.HandleDetection(start.Add(p.at), detected(p.class, 4, p.freq))
	}

	snap := tr.Snapshot()
	if snap.State != feedback.StateComplete {
		t.Fatalf("state: got %v, want StateComplete", snap.State)
	}
	if len(snap.Results) != 4 {
		t.Fatalf("results: got %d, want 4", len(snap.Results))
	}
	for i, r := range snap.Results {
		if !r.Correct {
			t.Errorf("result %d: not correct", i)
		}
		if r.NoteIndex != i {
			t.Errorf("result %d: note index %d", i, r.NoteIndex)
		}
		if r.DetectedFrequency == 0 {
			t.Errorf("result %d: missing detected frequency", i)
		}
	}
}

func TestTracker_ExpiredWindowIsIncorrectAndAdvances(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)

	// Sleep through the first note's whole window.
	tr.Tick(start.Add(1100 * time.Millisecond))

	snap := tr.Snapshot()
	if snap.CurrentNote != 1 {
		t.Fatalf("current note: got %d, want 1", snap.CurrentNote)
	}
	if len(snap.Results) != 1 {
		t.Fatalf("results: got %d, want 1", len(snap.Results))
	}
	if snap.Results[0].Correct {
		t.Error("missed note graded correct")
	}
	if snap.Results[0].DetectedFrequency != 0 {
		t.Errorf("missed note carries frequency %.2f", snap.Results[0].DetectedFrequency)
	}
}

func TestTracker_MultipleWindowsExpireAtOnce(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)

	// A single late tick past the end of the melody resolves every window.
	tr.Tick(start.Add(10 * time.Second))

	snap := tr.Snapshot()
	if snap.State != feedback.StateComplete {
		t.Fatalf("state: got %v, want StateComplete", snap.State)
	}
	if len(snap.Results) != 4 {
		t.Fatalf("results: got %d, want 4", len(snap.Results))
	}
	for i, r := range snap.Results {
		if r.Correct {
			t.Errorf("result %d: graded correct without a detection", i)
		}
	}
}

func TestTracker_WrongClassIgnoredUntilTimeout(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)

	// Playing D during C's window neither matches nor fails the note.
	tr.HandleDetection(start.Add(200*time.Millisecond), detected(note.D, 4, 293.66))
	snap := tr.Snapshot()
	if snap.CurrentNote != 0 || len(snap.Results) != 0 {
		t.Fatalf("wrong note advanced the tracker: note %d, results %d",
			snap.CurrentNote, len(snap.Results))
	}

	// The right class later in the window still scores.
	tr.HandleDetection(start.Add(800*time.Millisecond), detected(note.C, 4, 261.63))
	snap = tr.Snapshot()
	if len(snap.Results) != 1 || !snap.Results[0].Correct {
		t.Errorf("late correct note not recorded: %+v", snap.Results)
	}
}

func TestTracker_OctavePinning(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)

	// C3 against a pinned C4 does not match.
	tr.HandleDetection(start.Add(200*time.Millisecond), detected(note.C, 3, 130.81))
	if snap := tr.Snapshot(); len(snap.Results) != 0 {
		t.Fatalf("wrong octave matched: %+v", snap.Results)
	}
}

func TestTracker_AnyOctaveWhenUnpinned(t *testing.T) {
	mel := melody.Melody{
		Notes:        []melody.Note{{Class: note.A}},
		BPM:          60,
		BeatsPerNote: 1,
	}
	tr := feedback.NewTracker(mel, 0)
	start := time.Now()
	tr.Start(start)

	tr.HandleDetection(start.Add(200*time.Millisecond), detected(note.A, 2, 110))
	snap := tr.Snapshot()
	if len(snap.Results) != 1 || !snap.Results[0].Correct {
		t.Errorf("unpinned note rejected octave 2: %+v", snap.Results)
	}
}

func TestTracker_DetectionDuringCountInIgnored(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 4)
	start := time.Now()
	tr.Start(start)

	tr.HandleDetection(start.Add(1*time.Second), detected(note.C, 4, 261.63))
	snap := tr.Snapshot()
	if len(snap.Results) != 0 {
		t.Errorf("count-in detection recorded: %+v", snap.Results)
	}
	if snap.State != feedback.StateCountingIn {
		t.Errorf("state: got %v, want StateCountingIn", snap.State)
	}
}

func TestTracker_VariableNoteLengths(t *testing.T) {
	oct := 4
	mel := melody.Melody{
		Notes: []melody.Note{
			{Class: note.C, Octave: &oct},
			{Class: note.E, Octave: &oct, Beats: 2},
		},
		BPM:          60,
		BeatsPerNote: 1,
	}
	tr := feedback.NewTracker(mel, 0)
	start := time.Now()
	tr.Start(start)

	// The E window runs from beat 1 to beat 3; a detection at beat 2.5
	// still lands inside it.
	tr.Tick(start.Add(1100 * time.Millisecond)) // C times out
	tr.HandleDetection(start.Add(2500*time.Millisecond), detected(note.E, 4, 329.63))

	snap := tr.Snapshot()
	if snap.State != feedback.StateComplete {
		t.Fatalf("state: got %v, want StateComplete", snap.State)
	}
	if snap.Results[0].Correct || !snap.Results[1].Correct {
		t.Errorf("results: %+v", snap.Results)
	}
}

// ── Stop and interruption ────────────────────────────────────────────────────

func TestTracker_StopGoesIdleAndKeepsResults(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)
	tr.HandleDetection(start.Add(200*time.Millisecond), detected(note.C, 4, 261.63))

	tr.Stop()

	snap := tr.Snapshot()
	if snap.State != feedback.StateIdle {
		t.Errorf("state after Stop: got %v, want StateIdle", snap.State)
	}
	if len(snap.Results) != 1 {
		t.Errorf("results after Stop: got %d, want 1", len(snap.Results))
	}
	if snap.Interrupted {
		t.Error("Stop must not set the interrupted flag")
	}
}

func TestTracker_DetectionAfterStopIsNoOp(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)
	tr.Stop()

	tr.HandleDetection(start.Add(500*time.Millisecond), detected(note.C, 4, 261.63))
	tr.Tick(start.Add(2 * time.Second))

	snap := tr.Snapshot()
	if snap.State != feedback.StateIdle {
		t.Errorf("state: got %v, want StateIdle", snap.State)
	}
	if len(snap.Results) != 0 {
		t.Errorf("results after Stop: %+v", snap.Results)
	}
}

func TestTracker_InterruptMidAttempt(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	tr.Start(time.Now())

	tr.Interrupt()

	snap := tr.Snapshot()
	if snap.State != feedback.StateIdle {
		t.Errorf("state: got %v, want StateIdle", snap.State)
	}
	if !snap.Interrupted {
		t.Error("interrupted flag not set")
	}
}

func TestTracker_InterruptWhenIdleDoesNotFlag(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	tr.Interrupt()
	if snap := tr.Snapshot(); snap.Interrupted {
		t.Error("interrupt before Start set the flag")
	}
}

func TestTracker_RestartClearsPreviousAttempt(t *testing.T) {
	tr := feedback.NewTracker(fourNotes(), 0)
	start := time.Now()
	tr.Start(start)
	tr.Tick(start.Add(10 * time.Second)) // complete with all misses

	restart := start.Add(20 * time.Second)
	tr.Start(restart)

	snap := tr.Snapshot()
	if snap.State != feedback.StateAwaitingNote {
		t.Errorf("state after restart: got %v, want StateAwaitingNote", snap.State)
	}
	if len(snap.Results) != 0 {
		t.Errorf("stale results after restart: %+v", snap.Results)
	}
	if snap.CurrentNote != 0 {
		t.Errorf("current note after restart: got %d, want 0", snap.CurrentNote)
	}
}
