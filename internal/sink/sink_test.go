package sink

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("invalid line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}
	return records
}

func TestSingleSenderPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "run.ndjson")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}

	sender := s.Sender()
	for i := 0; i < 50; i++ {
		rec := Record{Name: "model", System: "sys", User: fmt.Sprintf("prompt %d", i), Response: "line\nwith \"quotes\""}
		if err := sender.Send(rec); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sender.Release()

	if err := s.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 50 {
		t.Fatalf("expected 50 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.User != fmt.Sprintf("prompt %d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.User)
		}
		if rec.Response != "line\nwith \"quotes\"" {
			t.Fatalf("response not round-tripped: %q", rec.Response)
		}
	}
	if s.Written() != 50 || s.Failed() != 0 {
		t.Fatalf("unexpected counters written=%d failed=%d", s.Written(), s.Failed())
	}
}

func TestConcurrentSendersWriteWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		sender := s.Sender()
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			defer sender.Release()
			for i := 0; i < perProducer; i++ {
				if err := sender.Send(Record{Name: fmt.Sprintf("p%d", p), User: fmt.Sprintf("%d", i)}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(p)
	}

	// Close blocks until every sender is released.
	if err := s.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	wg.Wait()

	records := readRecords(t, path)
	if len(records) != producers*perProducer {
		t.Fatalf("expected %d records, got %d", producers*perProducer, len(records))
	}

	// Each producer's own records stay in send order.
	next := map[string]int{}
	for _, rec := range records {
		want := fmt.Sprintf("%d", next[rec.Name])
		if rec.User != want {
			t.Fatalf("producer %s: expected %s, got %s", rec.Name, want, rec.User)
		}
		next[rec.Name]++
	}
}

func TestCloseWithoutRecordsLeavesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got %d bytes", info.Size())
	}
}

func TestOpenTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	if err := os.WriteFile(path, []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected truncated file, got %q", data)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "run.ndjson"), nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	sender := &Sender{sink: s}
	if err := sender.Send(Record{Name: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "run.ndjson"), nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sender := s.Sender()
	sender.Release()
	sender.Release()

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close sink: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
}

func TestDefaultPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	if got := DefaultPath("results", now); got != filepath.Join("results", "output-2024-03-09_07-05-02.ndjson") {
		t.Fatalf("unexpected path %q", got)
	}
	if got := DefaultPath("", now); got != "output-2024-03-09_07-05-02.ndjson" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestOpenFailsWhenDirIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}
	if _, err := Open(filepath.Join(blocker, "run.ndjson"), nil); err == nil {
		t.Fatal("expected open error")
	}
}

func TestReadRecords(t *testing.T) {
	input := "{\"name\":\"a\",\"system\":\"s\",\"user\":\"u1\",\"response\":\"r1\"}\n\n{\"name\":\"b\",\"system\":\"s\",\"user\":\"u2\",\"response\":\"r2\"}\n"

	var names []string
	err := ReadRecords(strings.NewReader(input), func(rec Record) error {
		names = append(names, rec.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected records %v", names)
	}

	err = ReadRecords(strings.NewReader("{\"name\":\"a\"}\nnot json\n"), func(Record) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected decode error on line 2, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriteFailureIsCounted(t *testing.T) {
	s := &Sink{path: "run.ndjson", logger: log.New(io.Discard)}

	s.write(failingWriter{}, Record{Name: "lost"})
	if s.Failed() != 1 || s.Written() != 0 {
		t.Fatalf("unexpected counters written=%d failed=%d", s.Written(), s.Failed())
	}

	var buf strings.Builder
	s.write(&buf, Record{Name: "kept"})
	if s.Failed() != 1 || s.Written() != 1 {
		t.Fatalf("unexpected counters written=%d failed=%d", s.Written(), s.Failed())
	}
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(buf.String(), `"name":"kept"`) {
		t.Fatalf("unexpected line %q", buf.String())
	}
}

func TestSendSucceedsWhenFileWritesFail(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "run.ndjson"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	s := &Sink{
		path:   file.Name(),
		logger: log.New(io.Discard),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run(file)

	sender := s.Sender()
	for i := 0; i < 3; i++ {
		if err := sender.Send(Record{Name: fmt.Sprintf("r%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sender.Release()

	// The already-closed file also fails its final close.
	if err := s.Close(); err == nil {
		t.Fatal("expected close error from closed file")
	}
	if s.Failed() != 3 || s.Written() != 0 {
		t.Fatalf("unexpected counters written=%d failed=%d", s.Written(), s.Failed())
	}
}
