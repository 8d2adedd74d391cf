// Package perfmonitor measures wall-clock duration of a single operation,
// such as one upload or download, and derives its throughput.
package perfmonitor

import "time"

// PerformanceMonitor records a start and end instant. It is not safe for
// concurrent use; each transfer owns its own monitor.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with no recorded times.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the start instant and clears any previous end instant.
func (p *PerformanceMonitor) Start() {
	p.startTime = time.Now()
	p.endTime = time.Time{}
}

// Stop records the end instant. It is ignored if Start was not called.
// Calling Stop again moves the end instant forward.
func (p *PerformanceMonitor) Stop() {
	if p.startTime.IsZero() {
		return
	}

	p.endTime = time.Now()
}

// Reset clears both instants so the monitor can be reused.
func (p *PerformanceMonitor) Reset() {
	p.startTime = time.Time{}
	p.endTime = time.Time{}
}

// Elapsed returns the time between Start and Stop, or zero if either is missing.
func (p *PerformanceMonitor) Elapsed() time.Duration {
	if p.startTime.IsZero() || p.endTime.IsZero() {
		return 0
	}

	return p.endTime.Sub(p.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (p *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(p.Elapsed()) / float64(time.Millisecond)
}

// BytesPerSecond returns the throughput for n bytes moved during the
// measured interval.
//
// Parameters:
//   - n: Number of bytes transferred between Start and Stop
//
// Returns:
//   - Bytes per second, or 0 if no interval was measured
func (p *PerformanceMonitor) BytesPerSecond(n int64) float64 {
	elapsed := p.Elapsed()
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}
