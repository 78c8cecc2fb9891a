package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memKV struct {
	values map[string]string
	getErr error
}

func newMemKV() *memKV { return &memKV{values: map[string]string{}} }

func (m *memKV) GetValue(key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) SetValues(values map[string]string) error {
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *memKV) DeleteValues(keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestStoreLoadAbsent(t *testing.T) {
	s := NewStore(newMemKV(), zap.NewNop())
	require.NoError(t, s.Load())

	_, ok := s.CurrentIdentity()
	assert.False(t, ok)
	assert.Empty(t, s.Token())
}

func TestStoreLoadValid(t *testing.T) {
	kv := newMemKV()
	kv.values[KeyIdentity] = `{"id":7,"name":"Ana","age":29,"city":"Recife"}`
	kv.values[KeyToken] = "opaque-token"

	s := NewStore(kv, zap.NewNop())
	require.NoError(t, s.Load())

	id, ok := s.CurrentIdentity()
	require.True(t, ok)
	assert.Equal(t, int64(7), id.ID)
	assert.Equal(t, "Ana", id.DisplayName())
	assert.Equal(t, "opaque-token", s.Token())
}

func TestStoreLoadMalformedIsAbsent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"wrong type", `{"id":"seven"}`},
		{"missing id", `{"name":"Ana"}`},
		{"zero id", `{"id":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			kv.values[KeyIdentity] = tt.raw
			s := NewStore(kv, zap.NewNop())
			require.NoError(t, s.Load())
			_, ok := s.CurrentIdentity()
			assert.False(t, ok)
		})
	}
}

func TestStoreLoadReadsOnce(t *testing.T) {
	kv := newMemKV()
	s := NewStore(kv, zap.NewNop())
	require.NoError(t, s.Load())

	kv.values[KeyIdentity] = `{"id":7}`
	require.NoError(t, s.Load())
	_, ok := s.CurrentIdentity()
	assert.False(t, ok, "second Load must not re-read storage")
}

func TestStoreLoadStorageError(t *testing.T) {
	kv := newMemKV()
	kv.getErr = errors.New("disk on fire")
	s := NewStore(kv, zap.NewNop())
	assert.Error(t, s.Load())
}

func TestStoreExpiredJWTIsAbsent(t *testing.T) {
	kv := newMemKV()
	kv.values[KeyIdentity] = `{"id":7}`
	kv.values[KeyToken] = signed(t, time.Now().Add(-time.Hour))

	s := NewStore(kv, zap.NewNop())
	require.NoError(t, s.Load())
	_, ok := s.CurrentIdentity()
	assert.False(t, ok)
}

func TestStoreLiveJWTIsKept(t *testing.T) {
	kv := newMemKV()
	kv.values[KeyIdentity] = `{"id":7}`
	token := signed(t, time.Now().Add(time.Hour))
	kv.values[KeyToken] = token

	s := NewStore(kv, zap.NewNop())
	require.NoError(t, s.Load())
	_, ok := s.CurrentIdentity()
	assert.True(t, ok)
	assert.Equal(t, token, s.Token())
}

func TestStoreSaveAndClear(t *testing.T) {
	kv := newMemKV()
	s := NewStore(kv, zap.NewNop())

	require.NoError(t, s.Save(domain.Identity{ID: 9, Name: "Bia"}, "tok"))
	id, ok := s.CurrentIdentity()
	require.True(t, ok)
	assert.Equal(t, int64(9), id.ID)
	assert.Contains(t, kv.values[KeyIdentity], `"id":9`)
	assert.Equal(t, "tok", kv.values[KeyToken])

	// A fresh store over the same medium sees the saved session.
	again := NewStore(kv, zap.NewNop())
	require.NoError(t, again.Load())
	_, ok = again.CurrentIdentity()
	assert.True(t, ok)

	require.NoError(t, s.Clear())
	_, ok = s.CurrentIdentity()
	assert.False(t, ok)
	assert.Empty(t, kv.values)
}

func TestStoreSaveRejectsInvalidIdentity(t *testing.T) {
	kv := newMemKV()
	s := NewStore(kv, zap.NewNop())
	err := s.Save(domain.Identity{}, "tok")
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.Empty(t, kv.values)
}
