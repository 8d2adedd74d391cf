package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const dateLayout = "2006-01-02"

var errWriterClosed = errors.New("writer is closed")

// DailyFileWriter is an io.Writer that appends to {service}_{date}.log in a
// directory and switches files when the date changes. A background
// goroutine checks hourly so an idle server still rolls over. Safe for
// concurrent use.
type DailyFileWriter struct {
	service  string
	dir      string
	mu       sync.Mutex
	file     *os.File
	currDate string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	now      func() time.Time
}

// NewDailyFileWriter opens today's log file in logDir, which must exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the initial file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		cancel:  cancel,
		now:     time.Now,
	}

	w.mu.Lock()
	err := w.rotateLocked()
	w.mu.Unlock()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	w.wg.Add(1)
	go w.autoRotate(ctx)
	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, errWriterClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil || w.now().Format(dateLayout) != w.currDate {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// CurrentLogFile returns the path being written to, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.pathFor(w.currDate)
}

// Close stops the background rotator and closes the current file. It is
// safe to call multiple times.
func (w *DailyFileWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *DailyFileWriter) autoRotate(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.now().Format(dateLayout) != w.currDate {
				_ = w.rotateLocked()
			}
			w.mu.Unlock()
		}
	}
}

// rotateLocked opens the file for the current date; caller must hold w.mu.
func (w *DailyFileWriter) rotateLocked() error {
	if w.closed.Load() {
		return errWriterClosed
	}

	date := w.now().Format(dateLayout)
	file, err := os.OpenFile(w.pathFor(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.currDate = date
	return nil
}

func (w *DailyFileWriter) pathFor(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}
