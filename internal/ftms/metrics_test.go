package ftms_test

import (
	"testing"

	"codeberg.org/mutker/rowstate/internal/ftms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMergeStrokeFrame(t *testing.T) {
	var m ftms.Metrics
	m.Merge(ftms.RowerData{
		StrokeRate:    ptr(18.0),
		StrokeCount:   ptr(uint16(4)),
		TotalDistance: ptr(uint32(1500)),
		HeartRate:     ptr(uint8(120)),
	})

	d, err := ftms.DecodeRowerData([]byte{0x00, 0x00, 44, 0x0A, 0x00})
	require.NoError(t, err)
	m.Merge(d)

	assert.Equal(t, 22.0, *m.StrokeRate)
	assert.Equal(t, uint16(10), *m.StrokeCount)
	assert.Equal(t, uint32(1500), *m.TotalDistance, "absent fields keep their value")
	assert.Equal(t, uint8(120), *m.HeartRate)
	assert.Nil(t, m.AveragePower)
	assert.Equal(t, uint64(2), m.Frames)
}

func TestMetricsSnapshotIsIndependent(t *testing.T) {
	var m ftms.Metrics
	m.Merge(ftms.RowerData{StrokeRate: ptr(20.0)})

	snap := m.Snapshot()
	m.Merge(ftms.RowerData{StrokeRate: ptr(26.0)})

	assert.Equal(t, 20.0, *snap.StrokeRate)
	assert.Equal(t, 26.0, *m.StrokeRate)
}

func TestMetricsReset(t *testing.T) {
	var m ftms.Metrics
	m.Merge(ftms.RowerData{StrokeRate: ptr(20.0), ElapsedTime: ptr(uint16(30))})
	m.Reset()

	assert.Equal(t, ftms.Metrics{}, m)
}

func TestFormatPace(t *testing.T) {
	assert.Equal(t, "2:05", ftms.FormatPace(125))
	assert.Equal(t, "0:59", ftms.FormatPace(59))
	assert.Equal(t, "10:00", ftms.FormatPace(600))
}
