// Package stats computes periodic frame-rate, jitter and loss
// diagnostics for one upstream session. It is a side-channel consumer:
// it never blocks or alters the media path.
package stats

import (
	"log/slog"
	"time"
)

// DefaultPeriod is the reporting period used when none is configured.
const DefaultPeriod = 10 * time.Second

// Summary is one period's worth of observations.
type Summary struct {
	Period     time.Duration
	Frames     int
	Keyframes  int
	FPS        float64
	Lost       uint64
	MeanJitter time.Duration
}

// Analyzer accumulates per-frame timing over one period and emits a
// summary at each period boundary, then resets. All methods must be
// called from the session goroutine.
type Analyzer struct {
	source    string
	period    time.Duration
	clockRate int64

	start     time.Time
	frames    int
	keyframes int
	lost      uint64

	haveLast    bool
	lastRTP     uint32
	lastArrival time.Time

	jitterSum time.Duration
	jitterN   int

	now func() time.Time // test hook
}

// NewAnalyzer allocates an Analyzer. source labels the emitted log
// records; clockRate converts RTP timestamp deltas to wall-clock units.
func NewAnalyzer(source string, period time.Duration, clockRate int) *Analyzer {
	if period <= 0 {
		period = DefaultPeriod
	}
	a := &Analyzer{
		source:    source,
		period:    period,
		clockRate: int64(clockRate),
		now:       time.Now,
	}
	a.start = a.now()
	return a
}

// OnLoss records lost packets detected by the sequence tracker.
func (a *Analyzer) OnLoss(n int) {
	a.lost += uint64(n)
}

// OnAccessUnit records one finalized access unit and its arrival time.
// At a period boundary the accumulated summary is logged and the
// counters reset.
func (a *Analyzer) OnAccessUnit(rtpTimestamp uint32, keyframe bool, arrival time.Time) {
	a.frames++
	if keyframe {
		a.keyframes++
	}

	if a.haveLast {
		// Jitter: difference between the RTP timestamp delta converted
		// to wall-clock units and the actual arrival delta.
		rtpDelta := time.Duration(int64(int32(rtpTimestamp-a.lastRTP))) * time.Second / time.Duration(a.clockRate)
		arrivalDelta := arrival.Sub(a.lastArrival)
		jitter := arrivalDelta - rtpDelta
		if jitter < 0 {
			jitter = -jitter
		}
		a.jitterSum += jitter
		a.jitterN++
	}
	a.haveLast = true
	a.lastRTP = rtpTimestamp
	a.lastArrival = arrival

	if elapsed := a.now().Sub(a.start); elapsed >= a.period {
		summary := a.flush(elapsed)
		slog.Info("stream timing summary",
			"source", a.source,
			"fps", summary.FPS,
			"frames", summary.Frames,
			"keyframes", summary.Keyframes,
			"lost", summary.Lost,
			"meanJitter", summary.MeanJitter,
			"period", summary.Period)
	}
}

// flush builds the summary for the elapsed period and resets all
// counters for the next one.
func (a *Analyzer) flush(elapsed time.Duration) Summary {
	summary := Summary{
		Period:    elapsed,
		Frames:    a.frames,
		Keyframes: a.keyframes,
		Lost:      a.lost,
	}
	if elapsed > 0 {
		summary.FPS = float64(a.frames) / elapsed.Seconds()
	}
	if a.jitterN > 0 {
		summary.MeanJitter = a.jitterSum / time.Duration(a.jitterN)
	}

	a.start = a.now()
	a.frames = 0
	a.keyframes = 0
	a.lost = 0
	a.jitterSum = 0
	a.jitterN = 0

	return summary
}
