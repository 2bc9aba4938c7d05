package resilience

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hookbeat/internal/core"
)

// Entry op kinds written to the journal.
const (
	OpExecInsert = "exec_insert"
	OpExecStart  = "exec_start"
	OpExecFinish = "exec_finish"
	OpTaskFinish = "task_finish"
)

// Entry is one journaled store mutation, replayed against the primary store
// on recovery. Entries are self-contained so replay needs no other state.
type Entry struct {
	Op          string          `json:"op"`
	At          time.Time       `json:"at"`
	Execution   *core.Execution `json:"execution,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	Failing     bool            `json:"failing,omitempty"`
}

// Journal is an append-only JSON Lines file holding execution outcomes
// recorded while the primary store is unreachable. Appends are synced so the
// log survives a process crash while still degraded.
type Journal struct {
	mu   sync.Mutex
	path string
}

func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal dir: %w", err)
	}
	return &Journal{path: path}, nil
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Len counts entries currently in the journal.
func (j *Journal) Len() (int, error) {
	entries, err := j.read()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Replay applies every entry in order. Applied entries are removed; if apply
// fails partway, the remaining entries are written back so a later replay
// resumes where this one stopped. apply must therefore tolerate entries it
// has already seen.
func (j *Journal) Replay(apply func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.read()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	for i, entry := range entries {
		if err := apply(entry); err != nil {
			if werr := j.rewrite(entries[i:]); werr != nil {
				return fmt.Errorf("replay stalled and rewrite failed: %v (apply: %w)", werr, err)
			}
			return fmt.Errorf("replay entry %d: %w", i, err)
		}
	}
	return j.rewrite(nil)
}

func (j *Journal) read() ([]Entry, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash mid-append is dropped.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

func (j *Journal) rewrite(entries []Entry) error {
	tmp := j.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open journal tmp: %w", err)
	}
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			return fmt.Errorf("encode journal entry: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("write journal tmp: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync journal tmp: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}
