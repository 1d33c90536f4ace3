package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestKeySet(t *testing.T, keys map[string]string) *KeySet {
	t.Helper()
	s := &KeySet{
		hashes:   make(map[string][]byte),
		verified: make(map[[32]byte]string),
		cost:     bcrypt.MinCost,
	}
	for name, key := range keys {
		require.NoError(t, s.Add(name, key))
	}
	return s
}

func TestKeySetValidate(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("ops-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	s := newTestKeySet(t, map[string]string{
		"dashboard": "dash-secret",
		"ops":       string(hashed),
	})
	assert.Equal(t, []string{"dashboard", "ops"}, s.Names())

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{"plain key", "dash-secret", "dashboard", nil},
		{"pre-hashed key", "ops-secret", "ops", nil},
		{"unknown key", "nope", "", ErrInvalidKey},
		{"empty key", "", "", ErrEmptyKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Validate(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeySetRevokeClearsCache(t *testing.T) {
	s := newTestKeySet(t, map[string]string{"ci": "ci-secret"})

	name, err := s.Validate("ci-secret")
	require.NoError(t, err)
	assert.Equal(t, "ci", name)

	s.Revoke("ci")
	_, err = s.Validate("ci-secret")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, 0, s.Len())
}

func TestGenerateAndHash(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 43)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.True(t, isBcryptHash(hash))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	_, err = HashAPIKey("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMiddleware(t *testing.T) {
	s := newTestKeySet(t, map[string]string{"dashboard": "dash-secret"})

	var seen string
	handler := Middleware(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = KeyName(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantName string
	}{
		{"valid key", "/egress", "Bearer dash-secret", http.StatusOK, "dashboard"},
		{"missing header", "/egress", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/egress", "Basic dash-secret", http.StatusUnauthorized, ""},
		{"wrong key", "/egress", "Bearer other", http.StatusUnauthorized, ""},
		{"health is open", "/health", "", http.StatusOK, ""},
		{"metrics is open", "/metrics", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, tt.wantName, seen)
		})
	}
}

func TestKeyNameDefault(t *testing.T) {
	assert.Equal(t, "", KeyName(context.Background()))
	assert.Equal(t, "ci", KeyName(WithKeyName(context.Background(), "ci")))
}
