// Package upstream provides typed wrappers over the known wholesale
// marketplace JSON endpoints, with authentication, per-host rate
// limiting, retries and circuit breaking.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"pharmwatch/internal/auth"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
	"pharmwatch/internal/ratelimit"
)

// TokenSource supplies session tokens; satisfied by *auth.Broker.
type TokenSource interface {
	Get(ctx context.Context) (auth.Token, error)
	Invalidate()
}

// Config holds upstream client configuration.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	UserAgent      string        `yaml:"user_agent"`
}

// Client issues authenticated calls against the upstream endpoints. Safe
// for concurrent use; the token bucket and breaker are shared.
type Client struct {
	httpc   *http.Client
	cfg     Config
	host    string
	tokens  TokenSource
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Set
}

// NewClient creates a client with defaults filled in. m may be nil.
func NewClient(cfg Config, tokens TokenSource, limiter *ratelimit.Limiter, m *metrics.Set) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dian.ysbang.cn"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 1 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(cfg.RateLimitRPS, 0)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only transport-level trouble should trip the breaker;
			// protocol and client errors mean the host is fine.
			if err == nil {
				return true
			}
			var ce *errs.UpstreamClientError
			if errors.As(err, &ce) {
				return ce.Status < 500
			}
			var pe *errs.UpstreamProtocolError
			var ae *errs.AuthError
			return errors.As(err, &pe) || errors.As(err, &ae)
		},
	})

	return &Client{
		httpc: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		cfg:     cfg,
		host:    u.Host,
		tokens:  tokens,
		limiter: limiter,
		breaker: breaker,
		metrics: m,
	}, nil
}

// SearchAggregate returns aggregate rows for a keyword: min/max price and
// supplier count, no per-supplier prices.
func (c *Client) SearchAggregate(ctx context.Context, keyword string, page, pageSize int) ([]models.Aggregate, error) {
	if err := validatePaging(keyword, page, pageSize); err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, searchAggregatePath, map[string]any{
		"keyword": keyword, "page": page, "pageSize": pageSize,
	})
	if err != nil {
		return nil, err
	}
	rows, err := listOrWrapped[aggRow](raw)
	if err != nil {
		return nil, err
	}
	aggs := make([]models.Aggregate, 0, len(rows))
	for _, r := range rows {
		if a := r.toAggregate(); a.Name != "" {
			aggs = append(aggs, a)
		}
	}
	return aggs, nil
}

// FacetSuppliers lists the suppliers carrying a keyword, up to ~1000. The
// facet rows carry no prices; offers come from SupplierHotList.
func (c *Client) FacetSuppliers(ctx context.Context, keyword string) ([]models.Supplier, error) {
	if keyword == "" {
		return nil, fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	raw, err := c.post(ctx, facetSuppliersPath, map[string]any{
		"keyword": keyword, "page": 1, "pageSize": 1000,
	})
	if err != nil {
		return nil, err
	}
	var data facetData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode supplier facets: %w", err)
	}
	suppliers := make([]models.Supplier, 0, len(data.Providers))
	for _, p := range data.Providers {
		suppliers = append(suppliers, models.Supplier{ID: p.PID, Name: p.Name, Abbreviation: p.Abbreviation})
	}
	return suppliers, nil
}

// SupplierHotList returns one supplier's hot offers with prices.
func (c *Client) SupplierHotList(ctx context.Context, supplierID int64, page, pageSize int) ([]models.Offer, error) {
	if supplierID <= 0 {
		return nil, fmt.Errorf("%w: supplier id must be positive", errs.ErrInvalidInput)
	}
	if err := validatePaging("-", page, pageSize); err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, supplierHotPath, map[string]any{
		"providerId": supplierID, "page": page, "pageSize": pageSize,
	})
	if err != nil {
		return nil, err
	}
	rows, err := listOrWrapped[hotRow](raw)
	if err != nil {
		return nil, err
	}
	offers := make([]models.Offer, 0, len(rows))
	for _, r := range rows {
		if r.DrugName == "" || r.Price <= 0 {
			continue
		}
		offers = append(offers, models.Offer{
			Name:          r.DrugName,
			Specification: r.Specification,
			Manufacturer:  r.Manufacturer,
			Price:         models.Cents(r.Price),
			SupplierID:    supplierID,
			UpstreamID:    r.DrugID,
			SourceURL:     c.wholesaleURL(r.WholesaleID),
			Origin:        "endpoint",
		})
	}
	return offers, nil
}

func (c *Client) wholesaleURL(wholesaleID int64) string {
	if wholesaleID == 0 {
		return c.cfg.BaseURL + "/"
	}
	return c.cfg.BaseURL + "/#/wholesale/" + strconv.FormatInt(wholesaleID, 10)
}

func validatePaging(keyword string, page, pageSize int) error {
	if keyword == "" {
		return fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	if page < 1 {
		return fmt.Errorf("%w: page must be >= 1", errs.ErrInvalidInput)
	}
	if pageSize < 1 || pageSize > 200 {
		return fmt.Errorf("%w: pageSize must be in [1,200]", errs.ErrInvalidInput)
	}
	return nil
}

// post runs one logical endpoint call: rate limit, token, retry loop with
// exponential backoff and jitter, single reauthentication on an expired
// token, envelope unwrapping. Returns the raw data payload.
func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	reauthed := false
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, c.cfg.RetryBackoff, attempt-1); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx, c.host); err != nil {
			return nil, err
		}

		start := time.Now()
		raw, err := c.doOnce(ctx, path, payload)
		if c.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			c.metrics.UpstreamRequests.WithLabelValues(path, outcome).Inc()
			c.metrics.UpstreamLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var ae *errs.AuthError
		if errors.As(err, &ae) {
			if reauthed {
				return nil, err
			}
			// 401/403 or token-expired envelope: refresh once, retry once.
			reauthed = true
			c.tokens.Invalidate()
			if _, gerr := c.tokens.Get(ctx); gerr != nil {
				return nil, gerr
			}
			attempt-- // the reauth retry does not consume an attempt
			continue
		}
		if !retryable(err) {
			return nil, err
		}
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("upstream call failed, retrying")
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte) (json.RawMessage, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		tok, err := c.tokens.Get(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Origin", c.cfg.BaseURL)
		req.Header.Set("Referer", c.cfg.BaseURL+"/")
		// The upstream expects the token both as a header and a cookie.
		req.Header.Set("Token", tok.Value)
		req.AddCookie(&http.Cookie{Name: "Token", Value: tok.Value})

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &errs.AuthError{Message: fmt.Sprintf("upstream rejected token (http %d)", resp.StatusCode)}
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &errs.RateLimitedError{RetryAfter: retryAfter(resp)}
		case resp.StatusCode >= 400:
			return nil, &errs.UpstreamClientError{Status: resp.StatusCode, BodyExcerpt: bodyExcerpt(resp.Body)}
		}

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if env.tokenExpired() {
			return nil, &errs.AuthError{Message: "token expired (code 40020)"}
		}
		if !env.ok() {
			return nil, &errs.UpstreamProtocolError{Code: env.code(), Message: env.Message}
		}
		return env.Data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream circuit open: %w", err)
		}
		return nil, err
	}
	return res.(json.RawMessage), nil
}

// retryable: network errors and 5xx, per the retry contract. Protocol,
// client-4xx, rate-limit and auth errors surface immediately.
func retryable(err error) bool {
	var ce *errs.UpstreamClientError
	if errors.As(err, &ce) {
		return ce.Status >= 500
	}
	var pe *errs.UpstreamProtocolError
	var rl *errs.RateLimitedError
	var ae *errs.AuthError
	if errors.As(err, &pe) || errors.As(err, &rl) || errors.As(err, &ae) {
		return false
	}
	if errs.IsCancelled(err) || errors.Is(err, gobreaker.ErrOpenState) {
		return false
	}
	return true // transport-level failure
}

// sleepBackoff waits base*2^(n-1) ±20% jitter, honoring cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, n int) error {
	d := base << (n - 1)
	jitter := time.Duration(rand.Int63n(int64(d)/5+1) - int64(d)/10)
	select {
	case <-time.After(d + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func bodyExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(b)
}
