// Package feedback grades a live stream of detected notes against a target
// melody.
//
// The central type is [Tracker], a small state machine driven by two inputs:
// wall-clock ticks from the analysis loop and accepted note detections. Time
// is converted to a monotonic beat position derived from the melody's BPM
// and the elapsed time since Start, never from tick counts, so the grading
// timeline stays correct when capture frames are dropped.
//
// A Tracker is not inherently goroutine-safe against itself being replaced,
// but all methods are mutex-guarded so the analysis loop and HTTP snapshot
// requests may call it concurrently.
package feedback

import (
	"sync"
	"time"

	"github.com/keplear/keplear/internal/melody"
	"github.com/keplear/keplear/internal/note"
)

// State is the tracker's position in the practice-attempt lifecycle.
type State int

const (
	// StateIdle means no attempt is in progress. Detections are ignored.
	StateIdle State = iota

	// StateCountingIn is the metronome lead-in before note grading starts.
	StateCountingIn

	// StateAwaitingNote means the tracker is listening for the current
	// expected note.
	StateAwaitingNote

	// StateComplete means every melody note has been resolved. The tracker
	// is inert; the final result list remains readable.
	StateComplete
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCountingIn:
		return "counting-in"
	case StateAwaitingNote:
		return "awaiting-note"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Result records the outcome for one melody note.
type Result struct {
	// NoteIndex is the melody position this result belongs to.
	NoteIndex int `json:"noteIndex"`

	// Correct reports whether a matching detection arrived inside the note's
	// time window.
	Correct bool `json:"correct"`

	// DetectedFrequency is the frequency of the matching detection in Hz.
	// Zero when the note timed out unmatched.
	DetectedFrequency float64 `json:"detectedFrequency,omitempty"`
}

// Snapshot is a read-only view of the tracker for observers (the HTTP API,
// tests). It shares no mutable state with the tracker.
type Snapshot struct {
	State       State    `json:"state"`
	Beat        float64  `json:"beat"`
	CurrentNote int      `json:"currentNote"`
	Results     []Result `json:"results"`
	Interrupted bool     `json:"interrupted"`
}

// DefaultCountInBeats is the metronome lead-in applied when the config does
// not specify one.
const DefaultCountInBeats = 4

// Tracker grades one practice attempt against a target melody.
type Tracker struct {
	mu sync.Mutex

	mel         melody.Melody
	countIn     float64
	noteStart   []float64 // beat position where each note's window opens
	noteEnd     []float64 // beat position where each note's window closes
	beatDur     time.Duration
	startedAt   time.Time
	lastBeat    float64
	state       State
	current     int
	results     []Result
	interrupted bool
}

// NewTracker creates an idle tracker for the given melody. countInBeats < 0
// selects [DefaultCountInBeats]; zero disables the count-in.
func NewTracker(m melody.Melody, countInBeats int) *Tracker {
	if countInBeats < 0 {
		countInBeats = DefaultCountInBeats
	}
	t := &Tracker{
		mel:     m,
		countIn: float64(countInBeats),
		beatDur: m.BeatDuration(),
		state:   StateIdle,
	}

	// Precompute each note's window on the beat timeline.
	t.noteStart = make([]float64, m.Len())
	t.noteEnd = make([]float64, m.Len())
	pos := t.countIn
	for i := range m.Len() {
		t.noteStart[i] = pos
		pos += m.NoteBeats(i)
		t.noteEnd[i] = pos
	}
	return t
}

// Start begins a new attempt at the given wall-clock time. Any previous
// results are discarded. With a zero count-in the tracker goes straight to
// awaiting the first note.
func (t *Tracker) Start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startedAt = now
	t.lastBeat = 0
	t.current = 0
	t.results = nil
	t.interrupted = false
	if t.countIn > 0 {
		t.state = StateCountingIn
	} else {
		t.state = StateAwaitingNote
	}
	if t.mel.Len() == 0 {
		t.state = StateComplete
	}
}

// Tick advances the beat clock. Expired note windows are resolved as
// incorrect so the tracker never stalls waiting for a note that was missed.
func (t *Tracker) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance(t.beatAt(now))
}

// HandleDetection offers a detected note to the tracker. Outside
// StateAwaitingNote it is a no-op. A detection matching the current expected
// note's pitch class (and octave, when the melody pins one) records a
// correct result and moves to the next note. Non-matching detections are
// ignored: a note only becomes incorrect when its time window expires.
func (t *Tracker) HandleDetection(now time.Time, n note.Note) {
	t.mu.Lock()
	defer t.mu.Unlock()

	beat := t.beatAt(now)
	t.advance(beat)
	if t.state != StateAwaitingNote {
		return
	}

	expected := t.mel.Notes[t.current]
	if n.Class != expected.Class {
		return
	}
	if expected.Octave != nil && n.Octave != *expected.Octave {
		return
	}

	t.record(Result{NoteIndex: t.current, Correct: true, DetectedFrequency: n.Frequency})
}

// Stop abandons the attempt. The tracker returns to idle and becomes inert;
// results recorded so far stay readable through [Tracker.Snapshot].
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateIdle
}

// Interrupt marks the attempt as cut short by stream loss (microphone
// revoked, file exhausted early). The tracker goes idle and the snapshot
// carries a distinct interrupted flag so the UI can say "mic disconnected"
// instead of silently stalling.
func (t *Tracker) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCountingIn || t.state == StateAwaitingNote {
		t.interrupted = true
	}
	t.state = StateIdle
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns a read-only copy of the tracker's observable state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	results := make([]Result, len(t.results))
	copy(results, t.results)
	return Snapshot{
		State:       t.state,
		Beat:        t.lastBeat,
		CurrentNote: t.current,
		Results:     results,
		Interrupted: t.interrupted,
	}
}

// beatAt converts a wall-clock time to a beat position on the attempt
// timeline. Callers hold t.mu.
func (t *Tracker) beatAt(now time.Time) float64 {
	if t.beatDur <= 0 || t.startedAt.IsZero() {
		return 0
	}
	return float64(now.Sub(t.startedAt)) / float64(t.beatDur)
}

// advance moves the state machine to the given beat position: finishing the
// count-in and timing out expired note windows. Callers hold t.mu.
func (t *Tracker) advance(beat float64) {
	if beat > t.lastBeat {
		t.lastBeat = beat
	}
	if t.state == StateCountingIn && beat >= t.countIn {
		t.state = StateAwaitingNote
	}
	for t.state == StateAwaitingNote && beat >= t.noteEnd[t.current] {
		t.record(Result{NoteIndex: t.current, Correct: false})
	}
}

// record appends a result for the current note and advances to the next,
// completing the attempt after the last note. Callers hold t.mu.
func (t *Tracker) record(r Result) {
	t.results = append(t.results, r)
	t.current++
	if t.current >= t.mel.Len() {
		t.state = StateComplete
	}
}
