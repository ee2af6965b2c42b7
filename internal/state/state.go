// Package state records runs in a JSON registry guarded by a file lock so
// concurrent invocations can list and update each other's runs.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusStale    Status = "stale"
	StatusStopped  Status = "stopped"
)

// Run is one recorded invocation.
type Run struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Status     Status     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	return r.Status == StatusComplete || r.Status == StatusFailed || r.Status == StatusStopped
}

// CleanupMode controls how stale runs are handled.
type CleanupMode string

const (
	CleanupMark   CleanupMode = "mark"
	CleanupRemove CleanupMode = "remove"
)

var (
	ErrLockTimeout = errors.New("state lock timeout")
	ErrRunNotFound = errors.New("run not found")
)

type stateFile struct {
	Runs map[string]Run `json:"runs"`
}

type lockHandle struct {
	method string
	file   *os.File
	dir    string
}

// NewRunID derives a run id from its start time and process id.
func NewRunID(now time.Time, pid int) string {
	return fmt.Sprintf("%s-%d", now.UTC().Format("20060102-150405"), pid)
}

// InitState initializes the state file and directory.
func InitState() error {
	return withLock(func() error {
		return initStateUnlocked()
	})
}

// GetRun returns a run by id.
func GetRun(id string) (Run, bool, error) {
	if id == "" {
		return Run{}, false, errors.New("run id is required")
	}

	var (
		run   Run
		found bool
	)
	err := withState(func(state *stateFile) (bool, error) {
		run, found = state.Runs[id]
		return false, nil
	})
	return run, found, err
}

// SaveRun inserts or replaces a run.
func SaveRun(run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}

	return withState(func(state *stateFile) (bool, error) {
		state.Runs[run.ID] = run
		return true, nil
	})
}

// UpdateRun applies fn to a stored run under the lock.
func UpdateRun(id string, fn func(run *Run)) error {
	if id == "" {
		return errors.New("run id is required")
	}

	return withState(func(state *stateFile) (bool, error) {
		run, ok := state.Runs[id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		fn(&run)
		run.ID = id
		state.Runs[id] = run
		return true, nil
	})
}

// FinishRun records the terminal status of a run. A stopped run keeps its
// status.
func FinishRun(id string, completed, failed int, runErr error) error {
	now := time.Now().UTC()
	return UpdateRun(id, func(run *Run) {
		run.Completed = completed
		run.Failed = failed
		run.FinishedAt = &now
		if run.Status == StatusStopped {
			return
		}
		run.Status = StatusComplete
		run.Error = ""
		if runErr != nil {
			run.Status = StatusFailed
			run.Error = runErr.Error()
		}
	})
}

// DeleteRun removes a run by id.
func DeleteRun(id string) error {
	if id == "" {
		return errors.New("run id is required")
	}

	return withState(func(state *stateFile) (bool, error) {
		if _, ok := state.Runs[id]; !ok {
			return false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		delete(state.Runs, id)
		return true, nil
	})
}

// ListRuns returns all runs, oldest first.
func ListRuns() ([]Run, error) {
	var runs []Run
	err := withState(func(state *stateFile) (bool, error) {
		runs = make([]Run, 0, len(state.Runs))
		for _, run := range state.Runs {
			runs = append(runs, run)
		}
		return false, nil
	})
	slices.SortFunc(runs, func(a, b Run) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return runs, err
}

// CleanupStale marks or removes running entries whose process has exited.
func CleanupStale(mode CleanupMode) ([]string, error) {
	if mode == "" {
		mode = CleanupMark
	}
	if mode != CleanupMark && mode != CleanupRemove {
		return nil, fmt.Errorf("invalid cleanup mode %q", mode)
	}

	cleaned := []string{}
	err := withState(func(state *stateFile) (bool, error) {
		for id, run := range state.Runs {
			if run.Status != StatusRunning || run.PID <= 0 || processAlive(run.PID) {
				continue
			}

			cleaned = append(cleaned, id)
			if mode == CleanupRemove {
				delete(state.Runs, id)
				continue
			}
			run.Status = StatusStale
			state.Runs[id] = run
		}
		return len(cleaned) > 0, nil
	})
	slices.Sort(cleaned)
	return cleaned, err
}

// StopRun signals a running run's process to terminate and marks it stopped.
func StopRun(id string) (Run, error) {
	var stopped Run
	err := withState(func(state *stateFile) (bool, error) {
		run, ok := state.Runs[id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if run.Status != StatusRunning {
			stopped = run
			return false, nil
		}
		if run.PID > 0 && processAlive(run.PID) {
			if proc, err := os.FindProcess(run.PID); err == nil {
				_ = proc.Signal(syscall.SIGTERM)
			}
		}
		now := time.Now().UTC()
		run.Status = StatusStopped
		run.FinishedAt = &now
		state.Runs[id] = run
		stopped = run
		return true, nil
	})
	return stopped, err
}

// Alive reports whether a running run's process still exists.
func Alive(run Run) bool {
	return run.Status == StatusRunning && processAlive(run.PID)
}

// withState loads the registry under the lock and writes it back when fn
// reports a change.
func withState(fn func(state *stateFile) (bool, error)) error {
	return withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}

		state, err := readStateUnlocked()
		if err != nil {
			return err
		}

		changed, err := fn(&state)
		if err != nil || !changed {
			return err
		}
		return writeStateFile(state)
	})
}

func withLock(fn func() error) error {
	handle, err := acquireLock()
	if err != nil {
		return err
	}
	defer handle.release()
	return fn()
}

func acquireLock() (*lockHandle, error) {
	dir := stateDir()
	if dir == "" {
		return nil, errors.New("state directory unavailable")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	timeout := lockTimeout()
	lockFile := lockFilePath()
	file, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		err = tryFlock(file, timeout)
		if err == nil {
			return &lockHandle{method: "flock", file: file}, nil
		}

		if !isFlockUnsupported(err) {
			file.Close()
			return nil, err
		}

		file.Close()
	}

	return acquireDirLock(timeout)
}

func (handle *lockHandle) release() {
	if handle == nil {
		return
	}

	if handle.method == "flock" {
		if handle.file != nil {
			_ = syscall.Flock(int(handle.file.Fd()), syscall.LOCK_UN)
			_ = handle.file.Close()
		}
		return
	}

	if handle.method == "mkdir" {
		if handle.dir != "" {
			_ = os.RemoveAll(handle.dir)
		}
	}
}

func tryFlock(file *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}

		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			if time.Now().After(deadline) {
				return ErrLockTimeout
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		return err
	}
}

func acquireDirLock(timeout time.Duration) (*lockHandle, error) {
	lockDir := lockDirPath()
	if lockDir == "" {
		return nil, errors.New("lock directory unavailable")
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := os.Mkdir(lockDir, 0o755); err == nil {
			_ = os.WriteFile(filepath.Join(lockDir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0o644)
			return &lockHandle{method: "mkdir", dir: lockDir}, nil
		}

		if info, err := os.Stat(lockDir); err == nil && info.IsDir() {
			pid := readPid(filepath.Join(lockDir, "pid"))
			if pid == 0 || !processAlive(pid) {
				_ = os.RemoveAll(lockDir)
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func initStateUnlocked() error {
	dir := stateDir()
	if dir == "" {
		return errors.New("state directory unavailable")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := stateFilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return writeStateFile(stateFile{Runs: map[string]Run{}})
		}
		return fmt.Errorf("stat state file: %w", err)
	}

	if _, err := readStateUnlocked(); err != nil {
		return writeStateFile(stateFile{Runs: map[string]Run{}})
	}

	return nil
}

func readStateUnlocked() (stateFile, error) {
	path := stateFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return stateFile{}, fmt.Errorf("read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return stateFile{}, fmt.Errorf("decode state file: %w", err)
	}

	if state.Runs == nil {
		state.Runs = map[string]Run{}
	}

	return state, nil
}

func writeStateFile(state stateFile) error {
	if state.Runs == nil {
		state.Runs = map[string]Run{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if len(data) == 0 {
		return errors.New("refusing to write empty state")
	}

	path := stateFilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}

	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	parsed, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0
	}
	return parsed
}

func lockTimeout() time.Duration {
	if value := os.Getenv("PROMPTMATRIX_LOCK_TIMEOUT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return 10 * time.Second
}

func stateDir() string {
	if value := os.Getenv("PROMPTMATRIX_STATE_DIR"); value != "" {
		return value
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}

	return filepath.Join(home, ".config", "promptmatrix")
}

func stateFilePath() string {
	if value := os.Getenv("PROMPTMATRIX_STATE_FILE"); value != "" {
		return value
	}

	dir := stateDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "runs.json")
}

func lockFilePath() string {
	if value := os.Getenv("PROMPTMATRIX_LOCK_FILE"); value != "" {
		return value
	}

	dir := stateDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "runs.lock")
}

func lockDirPath() string {
	if value := os.Getenv("PROMPTMATRIX_LOCK_DIR"); value != "" {
		return value
	}

	lockFile := lockFilePath()
	if lockFile == "" {
		return ""
	}

	return lockFile + ".dir"
}

func isFlockUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENOTSUP)
}
