package cattle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

const testHashKey = "test-hash-key-0123456789"

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors the storage layer's consume semantics.
type memStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	tokens map[string]*models.CattleToken
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{clock: clk, tokens: map[string]*models.CattleToken{}}
}

func (s *memStore) Create(_ context.Context, token *models.CattleToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.TokenHash] = &cp
	return nil
}

func (s *memStore) Consume(_ context.Context, tokenHash string) (*models.CattleToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenHash]
	if !ok || tok.ConsumedAt != nil || !tok.ExpiresAt.After(s.clock.Now()) {
		return nil, models.ErrTokenInvalid
	}
	delete(s.tokens, tokenHash)
	return tok, nil
}

func newTestService(t *testing.T) (*TokenService, *memStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	store := newMemStore(clk)
	svc, err := NewTokenService(store, testHashKey, 30*time.Minute, clk)
	require.NoError(t, err)
	svc.LookupEnv = func(key string) (string, bool) {
		switch key {
		case "GIT_TOKEN":
			return "ghp_secret", true
		case "EMPTY_OK":
			return "", true
		}
		return "", false
	}
	return svc, store, clk
}

func TestNewTokenService_ShortKey(t *testing.T) {
	_, err := NewTokenService(newMemStore(clock.Real()), "short", time.Minute, nil)
	assert.Error(t, err)
}

func TestTokenService_Hash(t *testing.T) {
	svc, _, _ := newTestService(t)
	other, err := NewTokenService(newMemStore(clock.Real()), "a-different-hash-key", time.Minute, nil)
	require.NoError(t, err)

	h := svc.Hash("token-a")
	assert.Len(t, h, 64)
	assert.Equal(t, h, svc.Hash("token-a"))
	assert.NotEqual(t, h, svc.Hash("token-b"))
	assert.NotEqual(t, h, other.Hash("token-a"))
}

func TestTokenService_Issue(t *testing.T) {
	svc, store, _ := newTestService(t)

	token, expiresAt, err := svc.Issue(context.Background(), IssueRequest{
		JobID:     "job-1",
		PublicEnv: map[string]string{"FLEET_ROLE": "cattle"},
		EnvKeys:   []string{"GIT_TOKEN"},
	})
	require.NoError(t, err)
	assert.True(t, expiresAt.Equal(testEpoch.Add(30*time.Minute)))
	assert.Len(t, token, 43)

	require.Len(t, store.tokens, 1)
	stored, ok := store.tokens[svc.Hash(token)]
	require.True(t, ok, "only the hash is stored")
	assert.Equal(t, "job-1", stored.JobID)
	assert.NotContains(t, string(stored.PublicEnv)+string(stored.EnvKeys), "ghp_secret")
}

func TestTokenService_IssueRejectsBadNames(t *testing.T) {
	svc, store, _ := newTestService(t)

	_, _, err := svc.Issue(context.Background(), IssueRequest{PublicEnv: map[string]string{"BAD-NAME": "x"}})
	assert.ErrorIs(t, err, ErrInvalidEnvName)

	_, _, err = svc.Issue(context.Background(), IssueRequest{EnvKeys: []string{"1ABC"}})
	assert.ErrorIs(t, err, ErrInvalidEnvName)

	assert.Empty(t, store.tokens)
}

func TestTokenService_IssueCustomTTL(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, expiresAt, err := svc.Issue(context.Background(), IssueRequest{TTL: 5 * time.Minute})
	require.NoError(t, err)
	assert.True(t, expiresAt.Equal(testEpoch.Add(5*time.Minute)))
}

func TestTokenService_IssueRandomFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.random = bytes.NewReader(nil)
	_, _, err := svc.Issue(context.Background(), IssueRequest{})
	assert.ErrorContains(t, err, "generate token")
}

func TestTokenService_Exchange(t *testing.T) {
	tests := []struct {
		name    string
		issue   *IssueRequest
		stored  *models.CattleToken
		advance time.Duration
		token   string
		want    map[string]string
		wantErr error
	}{
		{
			name: "merges public env and resolved secrets",
			issue: &IssueRequest{
				PublicEnv: map[string]string{"FLEET_ROLE": "cattle"},
				EnvKeys:   []string{"GIT_TOKEN", "EMPTY_OK"},
			},
			want: map[string]string{"FLEET_ROLE": "cattle", "GIT_TOKEN": "ghp_secret", "EMPTY_OK": ""},
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: models.ErrTokenInvalid,
		},
		{
			name:    "unknown token",
			token:   "not-a-real-token",
			wantErr: models.ErrTokenInvalid,
		},
		{
			name:    "expired token",
			issue:   &IssueRequest{TTL: time.Minute},
			advance: time.Minute,
			wantErr: models.ErrTokenInvalid,
		},
		{
			name:    "missing secret",
			issue:   &IssueRequest{EnvKeys: []string{"NOT_SET"}},
			wantErr: ErrMissingSecret,
		},
		{
			name: "bad stored public env name",
			stored: &models.CattleToken{
				PublicEnv: []byte(`{"BAD NAME":"x"}`),
				EnvKeys:   []byte(`[]`),
			},
			wantErr: ErrInvalidEnvName,
		},
		{
			name: "bad stored env key name",
			stored: &models.CattleToken{
				PublicEnv: []byte(`{}`),
				EnvKeys:   []byte(`["$(id)"]`),
			},
			wantErr: ErrInvalidEnvName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, clk := newTestService(t)
			ctx := context.Background()

			token := tt.token
			switch {
			case tt.stored != nil:
				token = "raw-token"
				tt.stored.TokenHash = svc.Hash(token)
				tt.stored.ExpiresAt = testEpoch.Add(time.Hour)
				require.NoError(t, store.Create(ctx, tt.stored))
			case tt.issue != nil:
				var err error
				token, _, err = svc.Issue(ctx, *tt.issue)
				require.NoError(t, err)
			}
			clk.Advance(tt.advance)

			env, err := svc.Exchange(ctx, token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, env)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env)
		})
	}
}

func TestTokenService_ExchangeIsSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, IssueRequest{PublicEnv: map[string]string{"A": "1"}})
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Exchange(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrTokenInvalid):
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, invalid)
}

func TestValidEnvName(t *testing.T) {
	for _, name := range []string{"A", "_x", "GIT_TOKEN_2", strings.Repeat("a", 128)} {
		assert.True(t, ValidEnvName(name), name)
	}
	for _, name := range []string{"", "1A", "A-B", "A B", "A=B", strings.Repeat("a", 129)} {
		assert.False(t, ValidEnvName(name), name)
	}
}

func decodeEnv(t *testing.T, body []byte) EnvResponse {
	t.Helper()
	var resp EnvResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}
