// Package analysis runs the capture/analysis loop of a practice session.
//
// The [Engine] owns an explicit ticker modelled on the original
// display-refresh polling design: each tick it pulls the newest frame from
// the capture source, runs the pitch detector synchronously, maps the
// estimate to a note, applies the debounce rule, and forwards the result to
// the feedback tracker together with the wall-clock time that drives the
// tracker's beat clock.
//
// The tick body is synchronous and allocation-light so worst-case latency
// stays bounded; the only waiting is for the next tick. Stop halts the loop
// synchronously and releases the capture source; no detection may be
// processed after Stop returns, and a tick that fires anyway is dropped by
// an explicit guard that logs loudly and counts toward the late-tick metric.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keplear/keplear/internal/feedback"
	"github.com/keplear/keplear/internal/note"
	"github.com/keplear/keplear/internal/observe"
	"github.com/keplear/keplear/internal/pitch"
	"github.com/keplear/keplear/pkg/audio"
)

// Status describes the engine's lifecycle position.
type Status string

const (
	// StatusRunning means the loop is live and processing ticks.
	StatusRunning Status = "running"

	// StatusStopped means Stop was called before the melody completed.
	StatusStopped Status = "stopped"

	// StatusCompleted means the tracker graded every melody note.
	StatusCompleted Status = "completed"

	// StatusInterrupted means the capture stream ended mid-session
	// (microphone revoked, device lost, file exhausted early).
	StatusInterrupted Status = "interrupted"
)

// Default loop timings.
const (
	// DefaultTickInterval approximates a 60 Hz display refresh.
	DefaultTickInterval = 16 * time.Millisecond

	// DefaultDebounce is the minimum interval between forwarding two
	// identical consecutive detections to the tracker.
	DefaultDebounce = 100 * time.Millisecond
)

// Config holds loop tuning knobs.
type Config struct {
	// TickInterval is the analysis polling period. Default ~16 ms.
	TickInterval time.Duration

	// Debounce suppresses re-forwarding a sustained identical pitch. A
	// detection is forwarded when it differs from the previously forwarded
	// note or when this interval has elapsed since the last forward.
	Debounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	return c
}

// Snapshot is the engine's read-only per-tick view for observers: the most
// recent detected note (nil when the last tick carried no pitch), its cents
// offset from the current expected note, and the tracker state.
type Snapshot struct {
	Status   Status            `json:"status"`
	Detected *note.Note        `json:"detected,omitempty"`
	Cents    int               `json:"cents"`
	Tracker  feedback.Snapshot `json:"tracker"`
}

// Engine drives one practice session's analysis loop.
type Engine struct {
	source   audio.Source
	detector pitch.Detector
	tracker  *feedback.Tracker
	metrics  *observe.Metrics
	cfg      Config

	// expected resolves the target frequency for a melody index; injected
	// by the session manager so the engine stays melody-agnostic.
	expected func(i int) (note.PitchClass, *int)

	onFinish func(Status)

	mu           sync.Mutex
	status       Status
	lastDetected *note.Note
	lastCents    int
	lastForward  note.Note
	forwardedAt  time.Time
	hasForwarded bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics injects a metrics instance; the default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOnFinish registers a callback invoked exactly once, from the loop
// goroutine, when the session ends for any reason other than Stop. Used by
// the session manager to persist completed attempts.
func WithOnFinish(fn func(Status)) Option {
	return func(e *Engine) { e.onFinish = fn }
}

// WithExpectedNote injects the resolver for the current expected note, used
// to report the cents offset between the player and the target.
func WithExpectedNote(fn func(i int) (note.PitchClass, *int)) Option {
	return func(e *Engine) { e.expected = fn }
}

// New creates an engine over a started-not-yet source, a detector, and a
// tracker. The engine takes ownership of the source: Stop closes it.
func New(source audio.Source, detector pitch.Detector, tracker *feedback.Tracker, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		detector: detector,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		status:   StatusStopped,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Start begins capture and the analysis loop. The tracker's count-in clock
// starts at the moment Start succeeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.mu.Unlock()
		return errors.New("analysis: engine already running")
	}
	e.status = StatusRunning
	e.mu.Unlock()

	if err := e.source.Start(ctx); err != nil {
		e.mu.Lock()
		e.status = StatusStopped
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.tracker.Start(time.Now())

	go e.run(runCtx)
	return nil
}

// Stop synchronously halts the loop and releases the capture source. After
// Stop returns no further detection reaches the tracker. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		wasRunning := e.status == StatusRunning
		if wasRunning {
			e.status = StatusStopped
		}
		e.mu.Unlock()

		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		if wasRunning {
			e.tracker.Stop()
		}
		if err := e.source.Close(); err != nil {
			slog.Warn("analysis: source close error", "err", err)
		}
	})
}

// Status returns the engine's current lifecycle status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot returns a read-only copy of the current analysis state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var detected *note.Note
	if e.lastDetected != nil {
		n := *e.lastDetected
		detected = &n
	}
	return Snapshot{
		Status:   e.status,
		Detected: detected,
		Cents:    e.lastCents,
		Tracker:  e.tracker.Snapshot(),
	}
}

// run is the loop goroutine.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.tick(ctx, time.Now()) {
				return
			}
		}
	}
}

// tick processes one analysis pass. It returns false when the loop should
// end (stream lost or melody complete).
func (e *Engine) tick(ctx context.Context, now time.Time) bool {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		// A callback into a torn-down session is a bug in the cancellation
		// path; drop it loudly rather than touch the tracker.
		e.metrics.LateTicks.Add(ctx, 1)
		slog.Error("analysis: tick after stop dropped")
		return false
	}
	e.mu.Unlock()

	frame, open, fresh := e.latestFrame()
	if !open {
		e.finish(StatusInterrupted)
		return false
	}

	if fresh {
		e.detect(ctx, now, frame)
	}

	// Advance the beat clock even on frameless ticks so missed notes time
	// out from wall time, not from frame arrival.
	e.tracker.Tick(now)

	if e.tracker.State() == feedback.StateComplete {
		e.finish(StatusCompleted)
		return false
	}
	return true
}

// latestFrame drains the source channel, keeping only the newest pending
// frame. Returns open=false when the channel is closed (stream ended) and
// fresh=false when no frame arrived since the previous tick.
func (e *Engine) latestFrame() (frame audio.Frame, open, fresh bool) {
	open = true
	for {
		select {
		case f, ok := <-e.source.Frames():
			if !ok {
				open = false
				return
			}
			frame, fresh = f, true
		default:
			return
		}
	}
}

// detect runs the detector on one frame and forwards the mapped note to the
// tracker, subject to the debounce rule.
func (e *Engine) detect(ctx context.Context, now time.Time, frame audio.Frame) {
	start := time.Now()
	freq, err := e.detector.Detect(frame)
	e.metrics.DetectionDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case errors.Is(err, pitch.ErrNoSignal):
		e.metrics.RecordDetection(ctx, "no_signal")
		e.clearDetected()
		return
	case errors.Is(err, pitch.ErrNoStablePitch):
		e.metrics.RecordDetection(ctx, "no_pitch")
		e.clearDetected()
		return
	case err != nil:
		e.metrics.RecordDetection(ctx, "no_pitch")
		e.clearDetected()
		return
	}
	e.metrics.RecordDetection(ctx, "pitch")

	n, err := note.FromFrequency(freq)
	if err != nil {
		// The detector yielded a frequency the mapper rejects; treat it as
		// no pitch rather than surface a garbage note.
		e.clearDetected()
		return
	}

	e.mu.Lock()
	e.lastDetected = &n
	e.lastCents = e.centsToExpected(n)

	// Debounce: a sustained identical pitch is forwarded at most once per
	// debounce interval. A changed pitch always passes. Deliberately only
	// the previous forward is compared, so fast A-B-A alternation forwards
	// all three.
	same := e.hasForwarded && n.Class == e.lastForward.Class && n.Octave == e.lastForward.Octave
	if same && now.Sub(e.forwardedAt) < e.cfg.Debounce {
		e.mu.Unlock()
		return
	}
	e.lastForward = n
	e.forwardedAt = now
	e.hasForwarded = true
	e.mu.Unlock()

	e.metrics.ForwardedNotes.Add(ctx, 1)
	e.tracker.HandleDetection(now, n)
}

// centsToExpected returns the cents offset between n and the tracker's
// current expected note, or 0 when no resolver is wired or the attempt is
// past its last note. Callers hold e.mu.
func (e *Engine) centsToExpected(n note.Note) int {
	if e.expected == nil {
		return 0
	}
	snap := e.tracker.Snapshot()
	class, octave := e.expected(snap.CurrentNote)
	if class == "" {
		return 0
	}
	oct := n.Octave
	if octave != nil {
		oct = *octave
	}
	target, err := note.Frequency(class, oct)
	if err != nil {
		return 0
	}
	cents, err := note.CentsOffset(n.Frequency, target)
	if err != nil {
		return 0
	}
	return cents
}

// clearDetected wipes the last-detected note so observers render silence.
func (e *Engine) clearDetected() {
	e.mu.Lock()
	e.lastDetected = nil
	e.lastCents = 0
	e.mu.Unlock()
}

// finish records a terminal status, notifies the tracker on interruption,
// and fires the completion callback.
func (e *Engine) finish(status Status) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	e.status = status
	cb := e.onFinish
	e.mu.Unlock()

	if status == StatusInterrupted {
		e.tracker.Interrupt()
		slog.Warn("analysis: capture stream ended mid-session")
	}
	if cb != nil {
		cb(status)
	}
}
