// Package quality turns raw transport statistics into call-quality samples.
//
// A Monitor is owned by exactly one peer session. It keeps the previous
// statistics snapshot and the last few raw ratings, and nothing else; when the
// peer session closes the monitor is dropped with it.
package quality

import (
	"fmt"
	"math"
	"time"
)

// Rating is a categorical summary of transport health. Larger is worse.
type Rating int

const (
	Excellent Rating = iota
	Good
	Fair
	Poor
)

func (r Rating) String() string {
	switch r {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	}
	return fmt.Sprintf("rating(%d)", int(r))
}

func (r Rating) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Rating) UnmarshalText(text []byte) error {
	for v := Excellent; v <= Poor; v++ {
		if v.String() == string(text) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown rating %q", text)
}

// Snapshot is one raw statistics reading from the media stack.
type Snapshot struct {
	Timestamp time.Time

	// Inbound RTP totals, summed across received streams.
	HasInbound      bool
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	JitterSeconds   float64

	// Round trip time of the active candidate pair.
	HasCandidatePair bool
	RoundTripSeconds float64
}

// Sample holds the derived metrics computed from two consecutive snapshots.
type Sample struct {
	At            time.Time `json:"at"`
	BitrateBps    float64   `json:"bitrate"`
	PacketLossPct float64   `json:"packetLoss"`
	JitterMs      float64   `json:"jitter"`
	RTTMs         float64   `json:"roundTripTime"`
	Raw           Rating    `json:"rawRating"`
	Rating        Rating    `json:"rating"`
}

const (
	windowSize = 5
)

// Rate applies the rating thresholds. The first (worst) matching tier wins.
func Rate(s Sample) Rating {
	switch {
	case s.PacketLossPct > 5 || s.RTTMs > 500 || s.JitterMs > 100 || s.BitrateBps < 100_000:
		return Poor
	case s.PacketLossPct > 2 || s.RTTMs > 250 || s.JitterMs > 50 || s.BitrateBps < 300_000:
		return Fair
	case s.PacketLossPct > 0.5 || s.RTTMs > 100 || s.JitterMs > 20 || s.BitrateBps < 1_000_000:
		return Good
	default:
		return Excellent
	}
}

// Smooth returns the most frequent rating in ratings. Ties go to the better
// rating. An empty window reports Good.
func Smooth(ratings []Rating) Rating {
	if len(ratings) == 0 {
		return Good
	}
	var counts [Poor + 1]int
	for _, r := range ratings {
		if r >= Excellent && r <= Poor {
			counts[r]++
		}
	}
	best, bestCount := Good, 0
	for r := Excellent; r <= Poor; r++ {
		if counts[r] > bestCount {
			best, bestCount = r, counts[r]
		}
	}
	return best
}

// Monitor computes smoothed samples for one peer session.
type Monitor struct {
	prev   *Snapshot
	window []Rating
}

func NewMonitor() *Monitor {
	return &Monitor{window: make([]Rating, 0, windowSize)}
}

// Observe feeds the next snapshot. It reports false when no sample can be
// derived yet: on the first snapshot, when time did not advance, or when the
// counters went backwards.
func (m *Monitor) Observe(s Snapshot) (Sample, bool) {
	if !s.HasInbound {
		return Sample{}, false
	}
	prev := m.prev
	if prev == nil || s.BytesReceived < prev.BytesReceived {
		m.prev = &s
		return Sample{}, false
	}
	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return Sample{}, false
	}
	m.prev = &s

	sample := Sample{
		At:            s.Timestamp,
		BitrateBps:    8 * float64(s.BytesReceived-prev.BytesReceived) / dt,
		PacketLossPct: lossPercent(s.PacketsLost, s.PacketsReceived),
		JitterMs:      s.JitterSeconds * 1000,
	}
	if s.HasCandidatePair {
		sample.RTTMs = s.RoundTripSeconds * 1000
	}
	sample.Raw = Rate(sample)

	if len(m.window) == windowSize {
		copy(m.window, m.window[1:])
		m.window = m.window[:windowSize-1]
	}
	m.window = append(m.window, sample.Raw)
	sample.Rating = Smooth(m.window)
	return sample, true
}

// Reset discards all history.
func (m *Monitor) Reset() {
	m.prev = nil
	m.window = m.window[:0]
}

func lossPercent(lost int64, received uint64) float64 {
	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return 0
	}
	return float64(lost) / total * 100
}

// HealthScore maps a sample to 0..100. Nil samples score 50.
func HealthScore(s *Sample) int {
	if s == nil {
		return 50
	}
	score := 100.0
	score -= math.Min(40, s.PacketLossPct*2)
	score -= math.Min(20, s.RTTMs/25)
	score -= math.Min(20, s.JitterMs/5)
	if s.BitrateBps > 0 && s.BitrateBps < 500_000 {
		score -= math.Min(20, (500_000-s.BitrateBps)/25_000)
	}
	return int(math.Max(0, math.Min(100, math.Round(score))))
}
