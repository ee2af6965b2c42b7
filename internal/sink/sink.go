// Package sink appends completed results to an NDJSON file from a single
// background writer. Producers enqueue without waiting on disk I/O.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var ErrClosed = errors.New("sink is closed")

// Record is one line of the output file.
type Record struct {
	Name     string `json:"name"`
	System   string `json:"system"`
	User     string `json:"user"`
	Response string `json:"response"`
}

// DefaultPath returns a run-timestamped output path inside dir.
func DefaultPath(dir string, now time.Time) string {
	name := fmt.Sprintf("output-%s.ndjson", now.UTC().Format("2006-01-02_15-04-05"))
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// Sink owns the output file for the lifetime of a run.
type Sink struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	queue   []Record
	closing bool
	wake    chan struct{}

	senders sync.WaitGroup
	done    chan struct{}

	written int
	failed  int
	err     error
}

// Open creates the output file, truncating any existing one, and starts the
// writer.
func Open(path string, logger *log.Logger) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	s := &Sink{
		path:   path,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run(file)
	return s, nil
}

// Path is the output file location.
func (s *Sink) Path() string {
	return s.path
}

// Sender returns a producer handle. Close waits until every handle has been
// released.
func (s *Sink) Sender() *Sender {
	s.senders.Add(1)
	return &Sender{sink: s}
}

// Close waits for all senders, drains queued records, and closes the file.
// It returns the error from closing the file, if any.
func (s *Sink) Close() error {
	s.senders.Wait()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.notify()

	<-s.done
	return s.err
}

// Written is the number of records appended so far.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Failed is the number of records that could not be written.
func (s *Sink) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Sink) enqueue(rec Record) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, rec)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Sink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) run(file *os.File) {
	defer close(s.done)
	defer func() {
		if err := file.Close(); err != nil {
			s.err = fmt.Errorf("close output file: %w", err)
		}
	}()

	for {
		<-s.wake

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, rec := range batch {
			s.write(file, rec)
		}

		if closing {
			s.mu.Lock()
			remaining := len(s.queue)
			s.mu.Unlock()
			if remaining == 0 {
				return
			}
			s.notify()
		}
	}
}

// write appends one record with a single unbuffered write.
func (s *Sink) write(w io.Writer, rec Record) {
	line, err := json.Marshal(rec)
	if err == nil {
		_, err = w.Write(append(line, '\n'))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		s.logger.Error("write output record", "path", s.path, "name", rec.Name, "err", err)
		return
	}
	s.written++
}

// Sender is one producer's handle on a Sink.
type Sender struct {
	sink     *Sink
	released sync.Once
}

// Send queues a record. It never blocks on the file; it fails only once the
// sink is closing.
func (p *Sender) Send(rec Record) error {
	return p.sink.enqueue(rec)
}

// Release returns the handle. It is safe to call more than once.
func (p *Sender) Release() {
	p.released.Do(p.sink.senders.Done)
}
