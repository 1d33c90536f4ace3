// Package auth checks API keys presented as bearer tokens
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrEmptyKey   = errors.New("empty api key")
)

type contextKey string

const keyNameContextKey contextKey = "api_key_name"

// KeySet holds bcrypt hashes of the accepted API keys. Keys that verified
// once are cached by digest so bcrypt runs once per key, not per request.
type KeySet struct {
	mu       sync.RWMutex
	hashes   map[string][]byte
	verified map[[sha256.Size]byte]string
	cost     int
}

// NewKeySet creates a key set from name -> key pairs. A value that already
// is a bcrypt hash is stored as given.
func NewKeySet(keys map[string]string) (*KeySet, error) {
	s := &KeySet{
		hashes:   make(map[string][]byte),
		verified: make(map[[sha256.Size]byte]string),
		cost:     bcrypt.DefaultCost,
	}
	for name, key := range keys {
		if err := s.Add(name, key); err != nil {
			return nil, fmt.Errorf("api key %q: %w", name, err)
		}
	}
	return s, nil
}

// Add registers a key under name, replacing any previous key of that name
func (s *KeySet) Add(name, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	hash := []byte(key)
	if !isBcryptHash(key) {
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(key), s.cost); err != nil {
			return fmt.Errorf("failed to hash api key: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(name)
	s.hashes[name] = hash
	return nil
}

// Revoke removes the key registered under name
func (s *KeySet) Revoke(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(name)
	delete(s.hashes, name)
}

func (s *KeySet) forget(name string) {
	for digest, n := range s.verified {
		if n == name {
			delete(s.verified, digest)
		}
	}
}

// Names lists the registered key names
func (s *KeySet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.hashes))
	for name := range s.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered keys
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Validate returns the name of the key matching apiKey
func (s *KeySet) Validate(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrEmptyKey
	}
	digest := sha256.Sum256([]byte(apiKey))

	s.mu.RLock()
	if name, ok := s.verified[digest]; ok {
		s.mu.RUnlock()
		return name, nil
	}
	candidates := make(map[string][]byte, len(s.hashes))
	for name, hash := range s.hashes {
		candidates[name] = hash
	}
	s.mu.RUnlock()

	for name, hash := range candidates {
		if bcrypt.CompareHashAndPassword(hash, []byte(apiKey)) == nil {
			s.mu.Lock()
			if _, still := s.hashes[name]; still {
				s.verified[digest] = name
			}
			s.mu.Unlock()
			return name, nil
		}
	}
	return "", ErrInvalidKey
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash to put in the server configuration
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrEmptyKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Middleware rejects requests without a valid bearer key. Health and
// metrics endpoints stay open. The matched key name is stored in the
// request context.
func Middleware(keys *KeySet, log *logrus.Entry) func(http.Handler) http.Handler {
	log = logging.Or(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "Invalid Authorization header", http.StatusUnauthorized)
				return
			}

			name, err := keys.Validate(strings.TrimSpace(token))
			if err != nil {
				log.WithField("remote_addr", r.RemoteAddr).Warn("Rejected request with invalid API key")
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithKeyName(r.Context(), name)))
		})
	}
}

// WithKeyName returns ctx carrying the authenticated key name
func WithKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyNameContextKey, name)
}

// KeyName returns the authenticated key name, or "" for anonymous requests
func KeyName(ctx context.Context) string {
	if name, ok := ctx.Value(keyNameContextKey).(string); ok {
		return name
	}
	return ""
}
