package serialterm

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const recorderFlushInterval = 2 * time.Second

// Recorder tees one or both pump directions to an append-only file. It
// captures the bytes as they came off the wire, before any filter runs, so
// the log reflects the physical link rather than the display transform.
//
// Record is serialized with a mutex: both directions may share a single
// Recorder without interleaving corruption. Write failures are logged and
// swallowed; recording is best-effort relative to the live session.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	log       *zap.Logger
}

// OpenRecorder opens path for appending, creating it if absent. A failure
// here is a configuration error: the session must not start without its
// recording destination.
func OpenRecorder(path string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open output file %s", path)
	}
	r := &Recorder{
		file: file,
		w:    bufio.NewWriter(file),
		done: make(chan struct{}),
		log:  logger,
	}
	go r.flushLoop()
	return r, nil
}

// Record appends the chunk to the destination. Errors are reported through
// the logger and never interrupt the caller.
func (r *Recorder) Record(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, err := r.w.Write(chunk); err != nil {
		r.log.Warn("recorder write failed", zap.Error(err))
	}
}

// flushLoop pushes buffered bytes to disk periodically so a crash loses at
// most one flush interval of output.
func (r *Recorder) flushLoop() {
	ticker := time.NewTicker(recorderFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed {
				if err := r.w.Flush(); err != nil {
					r.log.Warn("recorder flush failed", zap.Error(err))
				}
			}
			r.mu.Unlock()
		}
	}
}

// Close flushes buffered bytes and closes the file. Safe to call multiple
// times; only the first call does the work.
func (r *Recorder) Close() error {
	err := ErrRecorderClosed
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		err = r.w.Flush()
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	})
	if errors.Is(err, ErrRecorderClosed) {
		return nil
	}
	return err
}
