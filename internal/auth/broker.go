// Package auth acquires, caches and refreshes the session token the
// upstream requires on every call.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/errs"
)

const loginPath = "/ysb-user/api/auth/webLogin/v4270"

// Token is a session credential with its validity window.
type Token struct {
	Value      string    `json:"token"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be presented upstream.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Config holds broker configuration.
type Config struct {
	BaseURL   string
	Phone     string
	Password  string
	CachePath string
	TTL       time.Duration // validity assumed after login; upstream gives no explicit expiry
	UserAgent string
}

// Broker supplies a valid session token on demand. Concurrent refreshes
// are serialized: at most one in-flight login per process, with other
// callers awaiting its result.
type Broker struct {
	cfg   Config
	httpc *http.Client

	mu       chan struct{} // 1-slot semaphore guarding tok + flight
	tok      Token
	flight   chan struct{} // closed when the in-flight login completes
	flightTk Token
	flightEr error
}

// NewBroker creates a broker and primes it from the on-disk cache when
// one exists.
func NewBroker(cfg Config) *Broker {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	}
	b := &Broker{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 15 * time.Second},
		mu:    make(chan struct{}, 1),
	}
	if tok, err := loadCache(cfg.CachePath); err == nil {
		b.tok = tok
	}
	return b
}

func (b *Broker) lock()   { b.mu <- struct{}{} }
func (b *Broker) unlock() { <-b.mu }

// Get returns a cached token if unexpired, otherwise performs the login
// exchange, persists the result with an atomic rename, and returns it.
func (b *Broker) Get(ctx context.Context) (Token, error) {
	b.lock()
	if b.tok.Valid(time.Now()) {
		tok := b.tok
		b.unlock()
		return tok, nil
	}

	if b.flight != nil {
		// Another caller is already logging in; await its result.
		flight := b.flight
		b.unlock()
		select {
		case <-flight:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
		b.lock()
		tok, err := b.flightTk, b.flightEr
		b.unlock()
		return tok, err
	}

	flight := make(chan struct{})
	b.flight = flight
	b.unlock()

	tok, err := b.login(ctx)

	b.lock()
	b.flightTk, b.flightEr = tok, err
	if err == nil {
		b.tok = tok
	}
	b.flight = nil
	b.unlock()
	close(flight)

	if err != nil {
		return Token{}, err
	}
	if werr := writeCache(b.cfg.CachePath, tok); werr != nil {
		log.Warn().Err(werr).Str("path", b.cfg.CachePath).Msg("token cache write failed")
	}
	return tok, nil
}

// Invalidate forces a refresh on the next Get. Invoked by the upstream
// client on 401/403 or a recognized token-expired envelope.
func (b *Broker) Invalidate() {
	b.lock()
	b.tok = Token{}
	b.unlock()
	if b.cfg.CachePath != "" {
		_ = os.Remove(b.cfg.CachePath)
	}
}

type loginEnvelope struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

func (b *Broker) login(ctx context.Context) (Token, error) {
	if b.cfg.Phone == "" || b.cfg.Password == "" {
		return Token{}, &errs.AuthError{Message: "no upstream credentials configured"}
	}

	body, _ := json.Marshal(map[string]any{
		"phone":     b.cfg.Phone,
		"password":  b.cfg.Password,
		"loginType": 1, // password login
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("User-Agent", b.cfg.UserAgent)
	req.Header.Set("Origin", b.cfg.BaseURL)
	req.Header.Set("Referer", b.cfg.BaseURL+"/")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var env loginEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Token{}, &errs.AuthError{Message: fmt.Sprintf("malformed login response: %v", err)}
	}
	if !codeOK(env.Code) {
		return Token{}, &errs.AuthError{Message: env.Message}
	}
	if env.Data.Token == "" {
		return Token{}, &errs.AuthError{Message: "login succeeded but returned no token"}
	}

	now := time.Now()
	log.Info().Msg("upstream login succeeded")
	return Token{Value: env.Data.Token, ObtainedAt: now, ExpiresAt: now.Add(b.cfg.TTL)}, nil
}

// codeOK accepts the upstream's success codes, which arrive either as the
// string "0" or the number 0.
func codeOK(raw json.RawMessage) bool {
	s := string(bytes.Trim(raw, `"`))
	return s == "0"
}

func loadCache(path string) (Token, error) {
	if path == "" {
		return Token{}, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, err
	}
	if !tok.Valid(time.Now()) {
		return Token{}, fmt.Errorf("cached token expired")
	}
	return tok, nil
}

// writeCache persists via temp file + rename so a crash never leaves a
// truncated cache behind.
func writeCache(path string, tok Token) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".token_cache_*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
