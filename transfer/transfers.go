package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/metrics"
	"github.com/cyberinferno/filesfer/perfmonitor"
	"github.com/cyberinferno/filesfer/protocol"
	"github.com/cyberinferno/filesfer/store"
	"github.com/docker/go-units"
)

const ioErrorReason = "io_error"

// trackingWriter remembers the first write error so a failed copy can be
// attributed to the disk rather than the socket.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

func (s *Session) handleUpload(ctx context.Context, cmd protocol.Command) error {
	upload, err := s.store.Create(cmd.FileName)
	if err != nil {
		s.metrics.TransferFinished(metrics.OpUpload, metrics.ResultRejected, 0)
		if errors.Is(err, store.ErrInvalidName) {
			return s.reject(protocol.ReasonInvalidFileName)
		}

		s.emitf("Upload error: %v", err)
		return s.rejectIO(err)
	}

	if !s.setUpload(upload) {
		_ = upload.Abort()
		return ErrSessionClosed
	}

	if err := s.Send(protocol.Line(protocol.TagUploadAck)); err != nil {
		s.failUpload()
		return err
	}

	s.emitf("Upload started: %s, expecting %d bytes", upload.Name(), cmd.Size)
	s.setState(StateReceiving)

	monitor := perfmonitor.NewPerformanceMonitor()
	monitor.Start()

	dst := &trackingWriter{w: upload}
	n, err := io.CopyBuffer(dst, io.LimitReader(s.reader, cmd.Size), make([]byte, s.chunk))
	monitor.Stop()
	s.setState(StateIdle)

	if err == nil && n < cmd.Size {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		s.failUpload()
		if dst.err != nil {
			s.emitf("Upload error: %v", dst.err)
			_ = s.rejectIO(dst.err)
		} else {
			s.emit("Upload failed (incomplete or canceled)")
			_ = s.reject(protocol.ReasonUploadIncomplete)
		}

		// The unread remainder of the payload leaves the stream unusable.
		return fmt.Errorf("%w: %d of %d bytes: %v", ErrTransferIncomplete, n, cmd.Size, err)
	}

	current := s.takeUpload()
	if current == nil {
		s.metrics.TransferFinished(metrics.OpUpload, metrics.ResultFailed, 0)
		return ErrSessionClosed
	}

	if err := current.Commit(); err != nil {
		s.metrics.TransferFinished(metrics.OpUpload, metrics.ResultFailed, 0)
		s.emitf("Upload error: %v", err)
		return s.rejectIO(err)
	}

	s.metrics.TransferFinished(metrics.OpUpload, metrics.ResultSuccess, n)
	s.logger.Info("upload finished",
		logger.Field{Key: "file", Value: current.Name()},
		logger.Field{Key: "size", Value: units.HumanSize(float64(n))},
		logger.Field{Key: "elapsed_ms", Value: monitor.ElapsedMilliseconds()},
		logger.Field{Key: "rate", Value: units.HumanSize(monitor.BytesPerSecond(n)) + "/s"})

	if err := s.Send(protocol.Line(protocol.TagUploadComplete)); err != nil {
		return err
	}

	s.emit("Upload completed successfully")
	return nil
}

// failUpload deletes the partial file of the current upload, if any.
func (s *Session) failUpload() {
	s.metrics.TransferFinished(metrics.OpUpload, metrics.ResultFailed, 0)
	if u := s.takeUpload(); u != nil {
		if err := u.Abort(); err != nil {
			s.logger.Error("failed to delete partial upload",
				logger.Field{Key: "file", Value: u.Name()},
				logger.Field{Key: "error", Value: err})
		}
	}
}

func (s *Session) handleDownload(ctx context.Context, cmd protocol.Command) error {
	rc, size, err := s.store.Open(cmd.FileName)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidName):
			s.metrics.TransferFinished(metrics.OpDownload, metrics.ResultRejected, 0)
			return s.reject(protocol.ReasonInvalidFileName)
		case errors.Is(err, store.ErrNotFound):
			s.metrics.TransferFinished(metrics.OpDownload, metrics.ResultNotFound, 0)
			return s.reject(protocol.ReasonFileNotFound)
		default:
			s.metrics.TransferFinished(metrics.OpDownload, metrics.ResultFailed, 0)
			s.emitf("Download error: %v", err)
			return s.rejectIO(err)
		}
	}
	defer func() { _ = rc.Close() }()

	name, _ := protocol.SanitizeFileName(cmd.FileName)
	if err := s.Send(protocol.DownloadStart(size)); err != nil {
		return err
	}

	s.setState(StateSending)
	monitor := perfmonitor.NewPerformanceMonitor()
	monitor.Start()
	sent, err := s.sendPayload(ctx, rc, size)
	monitor.Stop()
	s.setState(StateIdle)

	if err != nil {
		s.metrics.TransferFinished(metrics.OpDownload, metrics.ResultFailed, sent)
		s.emitf("Download error: %v", err)
		// DOWNLOAD_START promised size bytes; the connection cannot recover.
		return err
	}

	if err := s.Send(protocol.Line(protocol.TagDownloadDone)); err != nil {
		return err
	}

	s.metrics.TransferFinished(metrics.OpDownload, metrics.ResultSuccess, sent)
	s.logger.Info("download finished",
		logger.Field{Key: "file", Value: name},
		logger.Field{Key: "size", Value: units.HumanSize(float64(sent))},
		logger.Field{Key: "elapsed_ms", Value: monitor.ElapsedMilliseconds()},
		logger.Field{Key: "rate", Value: units.HumanSize(monitor.BytesPerSecond(sent)) + "/s"})
	s.emitf("File sent: %s", name)
	return nil
}

// sendPayload streams exactly size bytes of r in chunks. A file that ends
// early is an error since the header already announced its size.
func (s *Session) sendPayload(ctx context.Context, r io.Reader, size int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := make([]byte, s.chunk)
	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		want := int64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}

		n, readErr := io.ReadFull(r, buf[:want])
		if n > 0 {
			if _, err := s.conn.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
		}

		if readErr != nil {
			return sent, fmt.Errorf("file read failed after %d of %d bytes: %w", sent, size, readErr)
		}
	}

	return sent, nil
}

func (s *Session) rejectIO(err error) error {
	s.metrics.CommandRejected(ioErrorReason)
	return s.Send(protocol.Error(strings.ReplaceAll(err.Error(), "\n", " ")))
}
