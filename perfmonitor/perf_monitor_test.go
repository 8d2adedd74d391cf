package perfmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPerformanceMonitor(t *testing.T) {
	pm := NewPerformanceMonitor()

	assert.NotNil(t, pm)
	assert.True(t, pm.startTime.IsZero())
	assert.True(t, pm.endTime.IsZero())
}

func TestStartStop(t *testing.T) {
	t.Run("start clears a previous end time", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		pm.Stop()

		pm.Start()
		assert.False(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})

	t.Run("stop without start is ignored", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Stop()

		assert.True(t, pm.endTime.IsZero())
		assert.Equal(t, time.Duration(0), pm.Elapsed())
	})

	t.Run("stop after reset is ignored", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		pm.Reset()
		pm.Stop()

		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})
}

func TestElapsed(t *testing.T) {
	t.Run("zero while running", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})

	t.Run("measures the sleep", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		time.Sleep(20 * time.Millisecond)
		pm.Stop()

		assert.GreaterOrEqual(t, pm.Elapsed(), 20*time.Millisecond)
		assert.Greater(t, pm.ElapsedMilliseconds(), 15.0)
	})

	t.Run("second stop extends the interval", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		pm.Stop()
		first := pm.Elapsed()

		time.Sleep(5 * time.Millisecond)
		pm.Stop()
		assert.Greater(t, pm.Elapsed(), first)
	})

	t.Run("zero after reset", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()
		pm.Stop()
		pm.Reset()
		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})
}

func TestBytesPerSecond(t *testing.T) {
	t.Run("zero without a measured interval", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		assert.Equal(t, 0.0, pm.BytesPerSecond(1024))
	})

	t.Run("derived from elapsed time", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		now := time.Now()
		pm.startTime = now
		pm.endTime = now.Add(2 * time.Second)

		assert.InDelta(t, 512.0, pm.BytesPerSecond(1024), 0.001)
	})
}
