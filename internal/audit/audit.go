package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("audit")

// Event types for the session audit trail.
const (
	EventSessionRegistered       = "session_registered"
	EventSessionResumed          = "session_resumed"
	EventSessionTeardown         = "session_teardown"
	EventSessionInvalidateFailed = "session_invalidate_failed"
	EventLogRotated              = "log_rotated"
)

const (
	genesisHash = "genesis"
	brokenHash  = "chain-broken"
	fileName    = "session-audit.jsonl"
)

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventSessionRegistered: true,
	EventSessionTeardown:   true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"eventType"`
	PrincipalID string         `json:"principalId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    string         `json:"prevHash"`
	EntryHash   string         `json:"entryHash"`
}

// Logger writes tamper-evident JSONL with a SHA-256 hash chain. On
// rotation the first record of the new file is an EventLogRotated
// sentinel whose prevHash links to the last entry of the old file.
type Logger struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens {dir}/session-audit.jsonl, continuing the chain from the
// last entry already in the file.
func NewLogger(dir string, maxSizeMB, maxBackups int, clock clockwork.Clock) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	filePath := filepath.Join(dir, fileName)
	l := &Logger{
		clock:      clock,
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}

	if last, err := lastHash(filePath); err != nil {
		log.Warn("audit log tail unreadable, starting a new chain segment", "path", filePath, logging.KeyError, err)
		l.prevHash = brokenHash
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", filePath)
	return l, nil
}

// Path returns the active log file.
func (l *Logger) Path() string { return l.filePath }

// Log appends an entry. The chain only advances after a successful write.
// Safe on a nil receiver.
func (l *Logger) Log(eventType, principalID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp:   l.clock.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		PrincipalID: principalID,
		Details:     details,
		PrevHash:    l.prevHash,
	}

	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// rotation moved the chain head to the sentinel
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close closes the log file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// seal fills EntryHash and returns the JSONL line.
func seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations
// hash alike.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.PrincipalID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit log rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit log rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit log rotation: failed to rename current log", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.clock.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details:   map[string]any{"previousFile": filepath.Base(l.backupName(1))},
	}
	data, err := seal(&sentinel)
	if err != nil {
		log.Error("rotation sentinel encode failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = brokenHash
		return nil
	}
	n, err := l.file.Write(data)
	if err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = brokenHash
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entryHash of the final record in path, or "" when
// the file is missing or empty.
func lastHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return "", nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("decode last audit entry: %w", err)
	}
	return e.EntryHash, nil
}

// VerifyError locates the first broken link in a chain.
type VerifyError struct {
	Line   int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d: %s", e.Line, e.Reason)
}

// Verify checks every entry hash and link in r. It returns the number of
// entries checked. A file may start mid-chain (after rotation), so the
// first prevHash is taken as given.
func Verify(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prev := ""
	count := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		count++

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return count, &VerifyError{Line: count, Reason: "malformed entry"}
		}
		if count > 1 && e.PrevHash != prev {
			return count, &VerifyError{Line: count, Reason: "prevHash does not link to previous entry"}
		}
		want, err := computeHash(e)
		if err != nil {
			return count, &VerifyError{Line: count, Reason: err.Error()}
		}
		if want != e.EntryHash {
			return count, &VerifyError{Line: count, Reason: "entryHash mismatch"}
		}
		prev = e.EntryHash
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}

// VerifyFile runs Verify over the file at path.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Verify(f)
}

// FilePath returns where NewLogger writes for dir.
func FilePath(dir string) string {
	return filepath.Join(dir, fileName)
}
