package resilience

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hookbeat/internal/core"
)

func tempJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return j
}

func sampleEntry(op, execID string) Entry {
	return Entry{
		Op: op,
		At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Execution: &core.Execution{
			ID:           execID,
			TaskID:       "tsk_1",
			Status:       core.ExecutionStatusFailed,
			ScheduledFor: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Attempt:      1,
		},
	}
}

func TestJournalAppendAndLen(t *testing.T) {
	j := tempJournal(t)

	if n, err := j.Len(); err != nil || n != 0 {
		t.Fatalf("fresh journal len = %d, err %v", n, err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(sampleEntry(OpExecFinish, "exe_1")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if n, err := j.Len(); err != nil || n != 3 {
		t.Fatalf("journal len = %d, err %v, want 3", n, err)
	}
}

func TestJournalReplayDrains(t *testing.T) {
	j := tempJournal(t)
	j.Append(sampleEntry(OpExecInsert, "exe_1"))
	j.Append(sampleEntry(OpExecFinish, "exe_1"))

	var applied []string
	err := j.Replay(func(entry Entry) error {
		applied = append(applied, entry.Op)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 2 || applied[0] != OpExecInsert || applied[1] != OpExecFinish {
		t.Fatalf("applied = %v, want insert then finish", applied)
	}
	if n, _ := j.Len(); n != 0 {
		t.Fatalf("journal not drained, %d entries remain", n)
	}
}

func TestJournalReplayKeepsRemainderOnFailure(t *testing.T) {
	j := tempJournal(t)
	j.Append(sampleEntry(OpExecInsert, "exe_1"))
	j.Append(sampleEntry(OpExecFinish, "exe_1"))
	j.Append(sampleEntry(OpExecFinish, "exe_2"))

	boom := errors.New("primary still down")
	calls := 0
	err := j.Replay(func(Entry) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Replay error = %v, want wrapped boom", err)
	}
	// The failed entry and everything after it must survive for the next
	// replay attempt.
	if n, _ := j.Len(); n != 2 {
		t.Fatalf("remaining entries = %d, want 2", n)
	}

	var ops []string
	if err := j.Replay(func(entry Entry) error {
		ops = append(ops, entry.Op)
		return nil
	}); err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("second replay applied %d entries, want 2", len(ops))
	}
}

func TestJournalToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.Append(sampleEntry(OpExecFinish, "exe_1"))

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	f.WriteString(`{"op":"exec_fin`)
	f.Close()

	var applied int
	if err := j.Replay(func(Entry) error {
		applied++
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied %d entries, want 1 (torn tail dropped)", applied)
	}
}
