package secmem

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// SecureString holds a session token in memory with best-effort wiping.
// The GC may have copied the backing array, so Zero is hygiene rather
// than a guarantee.
//
// Every fmt verb, JSON and text encoding renders as [REDACTED]; Reveal is
// the only way to read the plaintext.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewSecureString copies s into a new SecureString.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext. Returns "" on a nil receiver or after Zero.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	wiped := s.data == nil && s.zeroed.Load()
	val := string(s.data)
	s.mu.Unlock()

	if wiped {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("Reveal() called after Zero(), token has been wiped")
		}
		return ""
	}
	return val
}

// Equal reports whether the held value equals other, in constant time.
// A nil or zeroed SecureString equals nothing.
func (s *SecureString) Equal(other string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(other)) == 1
}

// Empty reports whether there is no usable value.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// IsZeroed returns true once Zero has run.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

// Zero overwrites the backing bytes and drops them.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed.Store(true)
}

func (s *SecureString) String() string {
	return redacted
}

func (s *SecureString) GoString() string {
	return redacted
}

func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON refuses to populate a SecureString from JSON input.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into SecureString")
}
