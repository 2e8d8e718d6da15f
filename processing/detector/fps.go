package detector

import "time"

const FPSWindow = 30

// FPSMeter keeps the last N frame timestamps and reports the inverse of the
// mean gap between them.
type FPSMeter struct {
	size  int
	times []time.Time
}

func NewFPSMeter(size int) *FPSMeter {
	if size < 2 {
		size = 2
	}
	return &FPSMeter{size: size, times: make([]time.Time, 0, size)}
}

func (m *FPSMeter) Tick(t time.Time) float64 {
	if len(m.times) == m.size {
		copy(m.times, m.times[1:])
		m.times = m.times[:m.size-1]
	}
	m.times = append(m.times, t)
	return m.FPS()
}

func (m *FPSMeter) FPS() float64 {
	n := len(m.times)
	if n < 2 {
		return 0
	}

	// mean of consecutive deltas telescopes to the span over n-1
	avg := m.times[n-1].Sub(m.times[0]).Seconds() / float64(n-1)
	if avg <= 0 {
		return 0
	}
	return 1 / avg
}

func (m *FPSMeter) Len() int { return len(m.times) }
