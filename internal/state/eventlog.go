package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/groupstream/internal/types"
)

const maxEventLine = 1 << 20

// EventLog is a JSONL-backed append-only run event log.
// Events are stored in runs/<runID>/events.jsonl and the snapshot in
// runs/<runID>/snapshot.json, next to the run metadata. The log expires ttl
// after its last write.
type EventLog struct {
	root  string
	ttl   time.Duration
	locks lockMap
	now   func() time.Time

	mu   sync.Mutex
	last map[types.RunID]int64
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string, ttl time.Duration) *EventLog {
	return &EventLog{
		root: root,
		ttl:  ttl,
		now:  time.Now,
		last: make(map[types.RunID]int64),
	}
}

func (e *EventLog) eventsPath(id types.RunID) string {
	return filepath.Join(e.root, "runs", string(id), "events.jsonl")
}

func (e *EventLog) snapshotPath(id types.RunID) string {
	return filepath.Join(e.root, "runs", string(id), "snapshot.json")
}

// expired reports whether the newest file of the run is older than ttl.
// A run with no files at all is reported as expired.
func (e *EventLog) expired(id types.RunID) bool {
	var newest time.Time
	for _, path := range []string{e.eventsPath(id), e.snapshotPath(id)} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		return true
	}
	return e.ttl > 0 && e.now().Sub(newest) > e.ttl
}

// scan calls fn for every event in the log. Caller must hold the run lock.
func (e *EventLog) scan(id types.RunID, fn func(*types.RunEvent) bool) error {
	f, err := os.Open(e.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		var event types.RunEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		if !fn(&event) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan events file: %w", err)
	}
	return nil
}

// lastSeq returns the highest seq in the log. Caller must hold the run lock.
func (e *EventLog) lastSeq(id types.RunID) (int64, error) {
	e.mu.Lock()
	seq, ok := e.last[id]
	e.mu.Unlock()
	if ok {
		return seq, nil
	}

	err := e.scan(id, func(ev *types.RunEvent) bool {
		if ev.Seq > seq {
			seq = ev.Seq
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.last[id] = seq
	e.mu.Unlock()
	return seq, nil
}

// Append assigns the next seq to event and appends it to the run's log.
func (e *EventLog) Append(_ context.Context, event *types.RunEvent) error {
	if !safeName(string(event.RunID)) {
		return types.Invalid("invalid run id %q", event.RunID)
	}
	lock := e.locks.get(string(event.RunID))
	lock.Lock()
	defer lock.Unlock()

	path := e.eventsPath(event.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	prev, err := e.lastSeq(event.RunID)
	if err != nil {
		return err
	}
	event.Seq = prev + 1
	if event.At.IsZero() {
		event.At = e.now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	e.mu.Lock()
	e.last[event.RunID] = event.Seq
	e.mu.Unlock()
	return nil
}

// ReadAfter returns up to limit events with seq > afterSeq in ascending order.
// An expired or unknown run yields no events.
func (e *EventLog) ReadAfter(_ context.Context, id types.RunID, afterSeq int64, limit int) ([]*types.RunEvent, error) {
	if !safeName(string(id)) {
		return nil, nil
	}
	lock := e.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	if e.expired(id) {
		return nil, nil
	}

	var events []*types.RunEvent
	err := e.scan(id, func(ev *types.RunEvent) bool {
		if ev.Seq <= afterSeq {
			return true
		}
		events = append(events, ev)
		return limit <= 0 || len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetSnapshot returns the run's snapshot, or NotFound when none has been set
// or the log has expired.
func (e *EventLog) GetSnapshot(_ context.Context, id types.RunID) (*types.Snapshot, error) {
	if !safeName(string(id)) {
		return nil, types.NotFound("snapshot")
	}
	lock := e.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	if e.expired(id) {
		return nil, types.NotFound("snapshot")
	}
	var snap types.Snapshot
	ok, err := readJSON(e.snapshotPath(id), &snap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NotFound("snapshot")
	}
	return &snap, nil
}

// SetSnapshot replaces the snapshot when snap.Seq is greater than the stored
// one. Older snapshots are ignored.
func (e *EventLog) SetSnapshot(_ context.Context, snap *types.Snapshot) error {
	if !safeName(string(snap.RunID)) {
		return types.Invalid("invalid run id %q", snap.RunID)
	}
	lock := e.locks.get(string(snap.RunID))
	lock.Lock()
	defer lock.Unlock()

	last, err := e.lastSeq(snap.RunID)
	if err != nil {
		return err
	}
	if snap.Seq > last {
		return types.Invalid("snapshot seq %d is ahead of log seq %d", snap.Seq, last)
	}

	var current types.Snapshot
	ok, err := readJSON(e.snapshotPath(snap.RunID), &current)
	if err != nil {
		return err
	}
	if ok && current.Seq >= snap.Seq {
		return nil
	}
	if snap.At.IsZero() {
		snap.At = e.now()
	}
	return writeJSON(e.snapshotPath(snap.RunID), snap)
}

// Forget drops the cached seq of a run whose directory has been removed.
func (e *EventLog) Forget(id types.RunID) {
	e.mu.Lock()
	delete(e.last, id)
	e.mu.Unlock()
}
