// Package cattle issues and exchanges single-use bootstrap tokens for
// ephemeral hosts. Only a keyed BLAKE3 hash of a token is persisted, and
// secret values are read from the control plane's own environment at
// exchange time.
package cattle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/zeebo/blake3"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

const hashKeyContext = "fleetq 2026 cattle bootstrap token hash"

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

var (
	// ErrInvalidEnvName is returned when a publicEnv or envKeys name is not a
	// safe identifier.
	ErrInvalidEnvName = errors.New("invalid environment variable name")

	// ErrMissingSecret is returned when an envKeys entry is absent from the
	// control plane environment.
	ErrMissingSecret = errors.New("control plane secret missing")
)

type TokenStore interface {
	Create(ctx context.Context, token *models.CattleToken) error
	Consume(ctx context.Context, tokenHash string) (*models.CattleToken, error)
}

type IssueRequest struct {
	JobID     string
	PublicEnv map[string]string
	EnvKeys   []string
	TTL       time.Duration
}

type TokenService struct {
	store      TokenStore
	clock      clock.Clock
	defaultTTL time.Duration
	hashKey    [32]byte

	// LookupEnv resolves envKeys at exchange time. Defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
	random    io.Reader
}

func NewTokenService(store TokenStore, hashKey string, defaultTTL time.Duration, clk clock.Clock) (*TokenService, error) {
	if len(hashKey) < 16 {
		return nil, fmt.Errorf("token hash key must be at least 16 characters")
	}
	if clk == nil {
		clk = clock.Real()
	}

	var key [32]byte
	blake3.DeriveKey(hashKeyContext, []byte(hashKey), key[:])

	return &TokenService{
		store:      store,
		clock:      clk,
		defaultTTL: defaultTTL,
		hashKey:    key,
		LookupEnv:  os.LookupEnv,
		random:     rand.Reader,
	}, nil
}

// Hash returns the hex keyed hash stored in place of token.
func (s *TokenService) Hash(token string) string {
	h, err := blake3.NewKeyed(s.hashKey[:])
	if err != nil {
		panic("cattle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// Issue creates a token for req and returns the plaintext, which is never
// stored.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (string, time.Time, error) {
	for name := range req.PublicEnv {
		if !ValidEnvName(name) {
			return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
		}
	}
	for _, name := range req.EnvKeys {
		if !ValidEnvName(name) {
			return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
		}
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	publicEnv, err := json.Marshal(nonNilMap(req.PublicEnv))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode public env: %w", err)
	}
	envKeys, err := json.Marshal(nonNilSlice(req.EnvKeys))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode env keys: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	if err := s.store.Create(ctx, &models.CattleToken{
		TokenHash: s.Hash(token),
		JobID:     req.JobID,
		PublicEnv: publicEnv,
		EnvKeys:   envKeys,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Exchange consumes token and returns the merged environment. The token is
// burned even when a later check fails.
func (s *TokenService) Exchange(ctx context.Context, token string) (map[string]string, error) {
	if token == "" {
		return nil, models.ErrTokenInvalid
	}

	stored, err := s.store.Consume(ctx, s.Hash(token))
	if err != nil {
		return nil, err
	}

	var publicEnv map[string]string
	if len(stored.PublicEnv) > 0 {
		if err := json.Unmarshal(stored.PublicEnv, &publicEnv); err != nil {
			return nil, fmt.Errorf("decode public env: %w", err)
		}
	}
	var envKeys []string
	if len(stored.EnvKeys) > 0 {
		if err := json.Unmarshal(stored.EnvKeys, &envKeys); err != nil {
			return nil, fmt.Errorf("decode env keys: %w", err)
		}
	}

	env := make(map[string]string, len(publicEnv)+len(envKeys))
	for name, value := range publicEnv {
		if !ValidEnvName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
		}
		env[name] = value
	}
	for _, name := range envKeys {
		if !ValidEnvName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
		}
		value, ok := s.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSecret, name)
		}
		env[name] = value
	}
	return env, nil
}

func ValidEnvName(name string) bool {
	return envNameRe.MatchString(name)
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
