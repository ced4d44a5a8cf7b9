package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileWriter appends hash-chained events to a JSON lines file.
//
// Every cacore process of a host appends to the same file: the serving
// node and each CLI invocation. Before a write the writer checks whether
// the file grew since its own last write and, if so, continues the chain
// from the event another process appended.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	lastHash string
}

var _ Writer = (*FileWriter)(nil)

// tailChunk is how much of the file end is read at a time to find the
// last event.
const tailChunk = 4096

// NewFileWriter opens path for appending. The parent directory must exist.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	w := &FileWriter{file: f, lastHash: GenesisHash}
	if err := w.resync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// resync reloads the chain head if the file size changed.
func (w *FileWriter) resync() error {
	fi, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if fi.Size() == w.size {
		return nil
	}
	line, err := lastLine(w.file, fi.Size())
	if err != nil {
		return fmt.Errorf("failed to read last hash from existing log: %w", err)
	}
	hash := GenesisHash
	if len(line) > 0 {
		var head struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return fmt.Errorf("failed to parse last event: %w", err)
		}
		if head.Hash == "" {
			return errors.New("last event has no hash")
		}
		hash = head.Hash
	}
	w.size, w.lastHash = fi.Size(), hash
	return nil
}

// lastLine returns the last non-blank line of the first size bytes of r.
func lastLine(r io.ReaderAt, size int64) ([]byte, error) {
	var tail []byte
	for end := size; end > 0; {
		start := max(end-tailChunk, 0)
		buf := make([]byte, end-start)
		if _, err := r.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		tail = append(buf, tail...)
		end = start

		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
	}
	return bytes.TrimSpace(tail), nil
}

// Write chains event to the last event of the file, appends it and
// fsyncs.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.resync(); err != nil {
		return err
	}
	if err := chain(event, w.lastHash); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	w.size += int64(len(line))
	w.lastHash = event.Hash
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := errors.Join(w.file.Sync(), w.file.Close())
	w.file = nil
	return err
}

// LastHash returns the hash of the last event written by this writer, or
// found in the file when it was opened.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// ChainError locates the first event breaking an audit chain.
type ChainError struct {
	Line int
	Err  error
}

func (e *ChainError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ChainError) Unwrap() error { return e.Err }

// VerifyChain verifies the audit log at path. It returns the number of
// valid events before the first broken one.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks that every event of r chains to the previous one and
// that its hash matches its content. Lines have no length limit.
func Verify(r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	prev := GenesisHash
	valid := 0
	for lineNum := 1; ; lineNum++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return valid, fmt.Errorf("failed to read audit log: %w", err)
		}
		eof := err != nil

		if line = bytes.TrimSpace(line); len(line) > 0 {
			hash, err := verifyEvent(line, prev)
			if err != nil {
				return valid, &ChainError{Line: lineNum, Err: err}
			}
			prev = hash
			valid++
		}
		if eof {
			return valid, nil
		}
	}
}

// verifyEvent returns the hash of the event on line if it follows prev.
func verifyEvent(line []byte, prev string) (string, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if event.HashPrev != prev {
		return "", fmt.Errorf("hash chain broken: expected prev=%s, got prev=%s", prev, event.HashPrev)
	}
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	if sum := calculateHash(canonical, event.HashPrev); sum != event.Hash {
		return "", fmt.Errorf("hash mismatch: expected=%s, got=%s", sum, event.Hash)
	}
	return event.Hash, nil
}
