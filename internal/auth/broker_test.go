package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/errs"
)

func loginServer(t *testing.T, logins *atomic.Int32, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, loginPath, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "13800000000", body["phone"])

		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0", "message": "",
			"data": map[string]string{"token": token},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetLogsInAndCaches(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, "tok-1")
	cachePath := filepath.Join(t.TempDir(), "token.json")

	b := NewBroker(Config{
		BaseURL: srv.URL, Phone: "13800000000", Password: "pw",
		CachePath: cachePath, TTL: time.Hour,
	})

	tok, err := b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.True(t, tok.Valid(time.Now()))

	// Second call is served from memory.
	_, err = b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load())

	// The cache file primes a fresh broker without a login.
	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	var cached Token
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "tok-1", cached.Value)

	b2 := NewBroker(Config{
		BaseURL: srv.URL, Phone: "13800000000", Password: "pw",
		CachePath: cachePath, TTL: time.Hour,
	})
	tok2, err := b2.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok2.Value)
	assert.Equal(t, int32(1), logins.Load())
}

func TestInvalidateForcesRelogin(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, "tok-2")
	cachePath := filepath.Join(t.TempDir(), "token.json")

	b := NewBroker(Config{
		BaseURL: srv.URL, Phone: "13800000000", Password: "pw",
		CachePath: cachePath, TTL: time.Hour,
	})
	_, err := b.Get(context.Background())
	require.NoError(t, err)

	b.Invalidate()
	_, statErr := os.Stat(cachePath)
	assert.True(t, os.IsNotExist(statErr), "invalidate must drop the cache file")

	_, err = b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load())
}

func TestConcurrentGetsShareOneLogin(t *testing.T) {
	var logins atomic.Int32
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		logins.Add(1)
		<-started // hold every caller on the same in-flight login
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0", "data": map[string]string{"token": "shared"},
		})
	}))
	defer srv.Close()

	b := NewBroker(Config{BaseURL: srv.URL, Phone: "13800000000", Password: "pw", TTL: time.Hour})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]Token, callers)
	errors := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errors[i] = b.Get(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Equal(t, int32(1), logins.Load(), "one login for all concurrent callers")
	for i := 0; i < callers; i++ {
		require.NoError(t, errors[i])
		assert.Equal(t, "shared", tokens[i].Value)
	}
}

func TestLoginRejectionSurfacesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": "40011", "message": "密码错误"})
	}))
	defer srv.Close()

	b := NewBroker(Config{BaseURL: srv.URL, Phone: "13800000000", Password: "wrong", TTL: time.Hour})
	_, err := b.Get(context.Background())
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "密码错误")
}

func TestMissingCredentials(t *testing.T) {
	b := NewBroker(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := b.Get(context.Background())
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
}

func TestExpiredCacheIgnoredOnStartup(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "token.json")
	stale := Token{Value: "stale", ObtainedAt: time.Now().Add(-48 * time.Hour), ExpiresAt: time.Now().Add(-24 * time.Hour)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, data, 0o600))

	var logins atomic.Int32
	srv := loginServer(t, &logins, "fresh")
	b := NewBroker(Config{
		BaseURL: srv.URL, Phone: "13800000000", Password: "pw",
		CachePath: cachePath, TTL: time.Hour,
	})
	tok, err := b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Value)
	assert.Equal(t, int32(1), logins.Load())
}

func TestTokenValidity(t *testing.T) {
	now := time.Now()
	assert.False(t, Token{}.Valid(now))
	assert.False(t, Token{Value: "x", ExpiresAt: now.Add(-time.Second)}.Valid(now))
	assert.True(t, Token{Value: "x", ExpiresAt: now.Add(time.Second)}.Valid(now))
}
