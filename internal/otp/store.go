package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCodeLength is the number of decimal digits in an issued code.
	DefaultCodeLength = 6
	// DefaultTTL bounds how long an issued code stays verifiable.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxAttempts caps verify calls per issued code.
	DefaultMaxAttempts = 3
	// DefaultSweepInterval paces the background expiry sweep.
	DefaultSweepInterval = 5 * time.Minute

	maxIdentityLength = 320
)

var (
	// ErrNoActiveCode indicates that no code is currently issued for the identity.
	ErrNoActiveCode = errors.New("otp: no active code for identity")
	// ErrCodeExpired indicates the issued code outlived its TTL before verification.
	ErrCodeExpired = errors.New("otp: code expired")
	// ErrTooManyAttempts indicates the verification attempt budget is exhausted.
	ErrTooManyAttempts = errors.New("otp: too many verification attempts")
	// ErrCodeMismatch indicates the candidate did not match the issued code.
	ErrCodeMismatch = errors.New("otp: code mismatch")

	errInvalidIdentity   = errors.New("otp: invalid identity")
	errInvalidCodeLength = errors.New("otp: code length must be positive")
	errInvalidTTL        = errors.New("otp: ttl must be positive")
)

// MismatchError reports a failed comparison together with the remaining
// attempt budget so callers can decide whether to let the user retry.
type MismatchError struct {
	AttemptsRemaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v, %d attempts remaining", ErrCodeMismatch, e.AttemptsRemaining)
}

// Unwrap lets errors.Is match ErrCodeMismatch.
func (e *MismatchError) Unwrap() error {
	return ErrCodeMismatch
}

type entry struct {
	mu        sync.Mutex
	code      string
	createdAt time.Time
	expiresAt time.Time
	attempts  int
}

// StoreConfig describes the tunables for the ephemeral code store.
type StoreConfig struct {
	MaxAttempts   int
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Store holds short-lived verification codes keyed by identity. Entries are
// process-local and never persisted; only the latest issued code per identity
// is valid.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	maxAttempts   int
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewStore constructs a Store applying defaults for unset configuration.
func NewStore(cfg StoreConfig) *Store {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries:       make(map[string]*entry),
		maxAttempts:   maxAttempts,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}
}

// Issue generates a code of length decimal digits, stores it for the identity
// with the provided TTL, and returns it. Any previously issued code for the
// same identity is superseded.
func (s *Store) Issue(identity string, length int, ttl time.Duration) (string, error) {
	normalized, err := normalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	if length <= 0 {
		return "", errInvalidCodeLength
	}
	if ttl <= 0 {
		return "", errInvalidTTL
	}

	code, err := generateNumericCode(length)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}

	issuedAt := s.clock()
	s.mu.Lock()
	s.entries[normalized] = &entry{
		code:      code,
		createdAt: issuedAt,
		expiresAt: issuedAt.Add(ttl),
		attempts:  0,
	}
	s.mu.Unlock()

	return code, nil
}

// Verify checks the candidate against the code issued for the identity.
// The entry is deleted on success, on expiry, and when the attempt budget is
// exhausted; a plain mismatch leaves the entry in place and reports the
// remaining attempts.
func (s *Store) Verify(identity, candidate string) error {
	normalized, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}

	s.mu.RLock()
	stored := s.entries[normalized]
	s.mu.RUnlock()
	if stored == nil {
		return ErrNoActiveCode
	}

	now := s.clock()

	stored.mu.Lock()
	if now.After(stored.expiresAt) {
		stored.mu.Unlock()
		s.removeEntry(normalized, stored)
		return ErrCodeExpired
	}
	stored.attempts++
	if stored.attempts > s.maxAttempts {
		stored.mu.Unlock()
		s.removeEntry(normalized, stored)
		return ErrTooManyAttempts
	}
	matched := subtle.ConstantTimeCompare([]byte(stored.code), []byte(candidate)) == 1
	remaining := s.maxAttempts - stored.attempts
	stored.mu.Unlock()

	if matched {
		s.removeEntry(normalized, stored)
		return nil
	}
	return &MismatchError{AttemptsRemaining: remaining}
}

// HasValid reports whether an unexpired code is currently issued for the
// identity. An expired entry found during the check is removed.
func (s *Store) HasValid(identity string) bool {
	normalized, err := normalizeIdentity(identity)
	if err != nil {
		return false
	}

	s.mu.RLock()
	stored := s.entries[normalized]
	s.mu.RUnlock()
	if stored == nil {
		return false
	}
	if s.clock().After(stored.expiresAt) {
		s.removeEntry(normalized, stored)
		return false
	}
	return true
}

// StartSweep launches the periodic expiry sweep. The sweep stops when the
// provided context is cancelled.
func (s *Store) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.sweepExpired()
				if removed > 0 {
					s.logger.Debug("expired verification codes removed",
						zap.Int("count", removed))
				}
			}
		}
	}()
}

func (s *Store) sweepExpired() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for identity, stored := range s.entries {
		// expiresAt is immutable after creation; safe to read under the map lock.
		if now.After(stored.expiresAt) {
			delete(s.entries, identity)
			removed++
		}
	}
	return removed
}

// removeEntry deletes the identity mapping only when it still points at the
// same entry, so a concurrently reissued code is never clobbered.
func (s *Store) removeEntry(identity string, stale *entry) {
	s.mu.Lock()
	if current, ok := s.entries[identity]; ok && current == stale {
		delete(s.entries, identity)
	}
	s.mu.Unlock()
}

func normalizeIdentity(identity string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(identity))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", errInvalidIdentity)
	}
	if len(trimmed) > maxIdentityLength {
		return "", fmt.Errorf("%w: exceeds %d characters", errInvalidIdentity, maxIdentityLength)
	}
	return trimmed, nil
}

func generateNumericCode(length int) (string, error) {
	var builder strings.Builder
	builder.Grow(length)
	ten := big.NewInt(10)
	for index := 0; index < length; index++ {
		digit, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		builder.WriteByte(byte('0' + digit.Int64()))
	}
	return builder.String(), nil
}
