package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/tandem/internal/domain"
	"go.uber.org/zap"
)

// Persisted keys. Fixed so the layout survives restarts.
const (
	KeyIdentity = "user"
	KeyToken    = "token"
)

// ErrNoSession is returned by operations that need an authenticated identity.
var ErrNoSession = errors.New("no active session")

// KV is the persisted key-value medium backing the Store.
type KV interface {
	GetValue(key string) (string, bool, error)
	SetValues(values map[string]string) error
	DeleteValues(keys ...string) error
}

// Store holds the current authenticated identity and bearer token. It reads
// the persisted record once on Load; later reads hit memory.
type Store struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	loaded   bool
	identity *domain.Identity
	token    string
}

// NewStore creates a Store over kv. Call Load before reading.
func NewStore(kv KV, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger, now: time.Now}
}

// Load reads the persisted identity and token. It runs once; later calls
// are no-ops. Malformed or expired state is treated as absent, never as an
// error. Only storage failures are returned.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	raw, ok, err := s.kv.GetValue(KeyIdentity)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	token, _, err := s.kv.GetValue(KeyToken)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	s.loaded = true

	if !ok {
		return nil
	}
	var id domain.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		s.logger.Warn("persisted identity is malformed, ignoring", zap.Error(err))
		return nil
	}
	if err := domain.Validate(id); err != nil {
		s.logger.Warn("persisted identity is invalid, ignoring", zap.Error(err))
		return nil
	}
	if tokenExpired(token, s.now()) {
		s.logger.Info("persisted token has expired, ignoring session", zap.Int64("user_id", id.ID))
		return nil
	}

	s.identity = &id
	s.token = token
	return nil
}

// CurrentIdentity returns the authenticated identity, if any.
func (s *Store) CurrentIdentity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return domain.Identity{}, false
	}
	return *s.identity, true
}

// Token returns the bearer token, or "" when absent.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Save persists a new identity and token and makes them current.
func (s *Store) Save(id domain.Identity, token string) error {
	if err := domain.Validate(id); err != nil {
		return err
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	values := map[string]string{KeyIdentity: string(raw)}
	if token != "" {
		values[KeyToken] = token
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		if err := s.kv.DeleteValues(KeyToken); err != nil {
			return fmt.Errorf("clear token: %w", err)
		}
	}
	if err := s.kv.SetValues(values); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.loaded = true
	s.identity = &id
	s.token = token
	return nil
}

// Clear forgets the identity and token, in memory and on disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	s.token = ""
	if err := s.kv.DeleteValues(KeyIdentity, KeyToken); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// The signature is not checked; the backend remains the authority. Opaque
// tokens never expire locally.
func tokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(now)
}
