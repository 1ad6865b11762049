package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultRotateBytes is the journal rotation threshold.
const DefaultRotateBytes = 5 * 1024 * 1024

// Journal is the append-only JSON-lines event log for one session.
// Writes are serialized by the owner (the session store); the internal
// mutex only guards against concurrent reads during rotation.
type Journal struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	rotateBytes int64
	maxSeq      int64
}

// OpenJournal opens (creating if needed) the journal for a session under
// dir, scanning any existing file to recover the highest sequence number.
func OpenJournal(dir, sessionID string, rotateBytes int64) (*Journal, error) {
	if rotateBytes <= 0 {
		rotateBytes = DefaultRotateBytes
	}
	sessionDir := filepath.Join(dir, "sessions", sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(sessionDir, "events.jsonl")

	maxSeq, err := scanMaxSeq(path)
	if err != nil {
		return nil, err
	}
	if maxSeq == 0 {
		// A crash between the rotation rename and the first append to the
		// fresh file leaves the current generation empty while the rotated
		// one still holds the high seq.
		maxSeq, err = scanMaxSeq(path + ".1")
		if err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	return &Journal{
		path:        path,
		file:        file,
		size:        info.Size(),
		rotateBytes: rotateBytes,
		maxSeq:      maxSeq,
	}, nil
}

// scanMaxSeq reads an existing journal file and returns the highest seq,
// or zero when the file does not exist or holds no events.
func scanMaxSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	defer f.Close()

	var maxSeq int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Only the seq field matters here; skip undecodable lines.
		var partial struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &partial); err != nil {
			continue
		}
		if partial.Seq > maxSeq {
			maxSeq = partial.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return maxSeq, nil
}

// MaxSeq returns the highest sequence number present when the journal was
// opened, updated as events are appended.
func (j *Journal) MaxSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.maxSeq
}

// Append writes one event as a JSON line, rotating first when the current
// file exceeds the threshold. An event is not considered delivered to
// anyone until this returns nil.
func (j *Journal) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size+int64(len(data)) > j.rotateBytes && j.size > 0 {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := j.file.Write(data)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if ev.Seq > j.maxSeq {
		j.maxSeq = ev.Seq
	}
	return nil
}

// rotateLocked renames the current file to the single rotated generation,
// overwriting any prior rotated copy, and starts a fresh file.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	if err := os.Rename(j.path, j.path+".1"); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	j.file = file
	j.size = 0
	return nil
}

// ReadSince returns journalled events with seq greater than sinceSeq,
// optionally filtered to a set of types. Only the current generation is
// read; history rotated away is not served.
func (j *Journal) ReadSince(sinceSeq int64, types map[string]bool) ([]Event, error) {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Seq <= sinceSeq {
			continue
		}
		if len(types) > 0 && !types[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Remove closes the journal and deletes its directory, used on session
// deletion.
func (j *Journal) Remove() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.file.Close()
	return os.RemoveAll(filepath.Dir(j.path))
}
