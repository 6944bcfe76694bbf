package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMeterRateAfterFullWindow(t *testing.T) {
	meter := NewMeter()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	meter.now = func() time.Time { return now }

	meter.Add("loco-1", 500)
	now = base.Add(500 * time.Millisecond)
	meter.Add("loco-1", 500)

	assert.Zero(t, meter.Rate("loco-1"), "window not yet complete")

	now = base.Add(time.Second)
	meter.Add("loco-1", 100)

	assert.Equal(t, int64(1100), meter.Rate("loco-1"))
}

func TestMeterScalesOverrunWindows(t *testing.T) {
	meter := NewMeter()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	meter.now = func() time.Time { return now }

	meter.Add("loco-1", 1000)
	now = base.Add(2 * time.Second)
	meter.Add("loco-1", 1000)

	assert.Equal(t, int64(1000), meter.Rate("loco-1"), "2000 bytes over two seconds")
}

func TestMeterTracksTrainsIndependently(t *testing.T) {
	meter := NewMeter()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	meter.now = func() time.Time { return now }

	meter.Add("loco-1", 100)
	meter.Add("loco-2", 900)
	now = base.Add(time.Second)
	meter.Add("loco-1", 100)
	meter.Add("loco-2", 100)

	rates := meter.Rates()
	assert.Equal(t, int64(200), rates["loco-1"])
	assert.Equal(t, int64(1000), rates["loco-2"])
}

func TestMeterUnknownTrainIsZero(t *testing.T) {
	meter := NewMeter()
	assert.Zero(t, meter.Rate("ghost"))
}

func TestMeterForget(t *testing.T) {
	meter := NewMeter()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	meter.now = func() time.Time { return now }

	meter.Add("loco-1", 4096)
	now = base.Add(time.Second)
	meter.Add("loco-1", 1)
	assert.NotZero(t, meter.Rate("loco-1"))

	meter.Forget("loco-1")
	assert.Zero(t, meter.Rate("loco-1"))
	assert.NotContains(t, meter.Rates(), "loco-1")
}
