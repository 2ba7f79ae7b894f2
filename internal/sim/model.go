package sim

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
)

const (
	restingHeartRate = 62
	// countEpsilon absorbs float drift when whole strokes are summed from
	// fractional steps.
	countEpsilon = 1e-9
	// Concept2 power constant: watts = 2.8 / (seconds per metre)^3.
	powerConstant = 2.8
)

// model is a simple rower: pace and power follow the stroke rate, heart
// rate drifts towards a level set by it.
type model struct {
	mu        sync.Mutex
	spm       float64
	start     time.Time
	last      time.Time
	strokes   float64
	distance  float64
	energy    float64
	heartRate float64
}

func newModel(spm float64, now time.Time) *model {
	return &model{spm: spm, start: now, last: now, heartRate: restingHeartRate}
}

func (m *model) setStrokeRate(spm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spm = math.Max(0, spm)
}

// pace returns seconds per 500 m, or 0 while not rowing.
func pace(spm float64) float64 {
	if spm < 10 {
		return 0
	}
	return math.Max(85, math.Min(300, 150-(spm-18)*3))
}

func power(pace500 float64) float64 {
	if pace500 == 0 {
		return 0
	}
	return powerConstant / math.Pow(pace500/500, 3)
}

func (m *model) advance(now time.Time) {
	dt := now.Sub(m.last).Seconds()
	if dt <= 0 {
		return
	}
	m.last = now

	m.strokes += m.spm / 60 * dt
	p := pace(m.spm)
	watts := power(p)
	if p > 0 {
		m.distance += 500 / p * dt
	}
	// Roughly 4 kcal burned per kcal of mechanical work plus a resting rate.
	m.energy += (watts*4/4184 + 0.0003) * dt

	target := restingHeartRate + math.Max(0, m.spm-10)*3.5
	m.heartRate += (target - m.heartRate) * math.Min(1, dt/20)
}

func (m *model) rowerData(now time.Time) ftms.RowerData {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(now)

	spm := math.Round(m.spm*2) / 2
	strokes := uint16(math.Floor(m.strokes + countEpsilon))
	distance := uint32(m.distance)
	elapsed := uint16(now.Sub(m.start).Seconds())
	energy := uint16(m.energy)

	p := pace(m.spm)
	instPace := uint16(ftms.PaceUnknown)
	if p > 0 {
		instPace = uint16(math.Round(p))
	}
	watts := int16(math.Round(power(p)))

	return ftms.RowerData{
		StrokeRate:         &spm,
		StrokeCount:        &strokes,
		TotalDistance:      &distance,
		InstantaneousPace:  &instPace,
		InstantaneousPower: &watts,
		TotalEnergy:        &energy,
		EnergyPerHour:      ptr(uint16(float64(watts) * 4 * 3600 / 4184)),
		EnergyPerMinute:    ptr(uint8(math.Min(255, float64(watts)*4*60/4184))),
		ElapsedTime:        &elapsed,
	}
}

func (m *model) measurement(now time.Time) hrm.Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(now)

	bpm := uint16(math.Round(m.heartRate))
	rr := uint16(math.Round(1024 * 60 / m.heartRate))

	return hrm.Measurement{
		HeartRate:       bpm,
		ContactDetected: true,
		RRIntervals:     []uint16{rr},
	}
}

func ptr[T any](v T) *T {
	return &v
}
