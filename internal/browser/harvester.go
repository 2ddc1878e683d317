// Package browser drives a headless Chrome session to extract what the
// upstream endpoints cannot return directly: the full per-supplier offer
// list for a keyword, and detail-page fields such as the approval number.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"pharmwatch/internal/auth"
	"pharmwatch/internal/classify"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
	"pharmwatch/internal/normalize"
)

// TokenSource supplies the session cookie for authenticated pages.
type TokenSource interface {
	Get(ctx context.Context) (auth.Token, error)
}

// Config holds harvester configuration.
type Config struct {
	BaseURL       string
	Headless      bool
	MaxSessions   int           // concurrent browser contexts
	PageTimeout   time.Duration // whole-page budget
	ActionTimeout time.Duration // individual waits
	UserAgent     string
}

// Detail is the best-effort result of a product detail-page extraction.
type Detail struct {
	ApprovalNumber string
	CategoryHint   models.Category
}

// Harvester owns a bounded pool of browser sessions. Each session serves
// a single keyword and is disposed afterwards.
type Harvester struct {
	cfg     Config
	host    string
	tokens  TokenSource
	sem     chan struct{}
	metrics *metrics.Set
}

// NewHarvester creates a harvester with defaults applied. m may be nil.
func NewHarvester(cfg Config, tokens TokenSource, m *metrics.Set) (*Harvester, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dian.ysbang.cn"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 2
	}
	if cfg.PageTimeout == 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Harvester{
		cfg:     cfg,
		host:    u.Hostname(),
		tokens:  tokens,
		sem:     make(chan struct{}, cfg.MaxSessions),
		metrics: m,
	}, nil
}

func (h *Harvester) record(outcome string) {
	if h.metrics != nil {
		h.metrics.BrowserHarvests.WithLabelValues(outcome).Inc()
	}
}

// offerCard mirrors the fields scraped out of one rendered supplier card.
type offerCard struct {
	Supplier      string `json:"supplier"`
	Price         string `json:"price"`
	Name          string `json:"name"`
	Specification string `json:"spec"`
	Manufacturer  string `json:"manufacturer"`
}

// extractCardsJS pulls the supplier cards out of the rendered search
// page. Selectors are the SPA's stable class names; layout drift shows up
// as an empty result, never a crash.
const extractCardsJS = `
(() => {
  const cards = document.querySelectorAll('.provider-item, .wholesale-item, .drug-provider-card');
  return JSON.stringify(Array.from(cards).map(c => ({
    supplier: (c.querySelector('.provider-name, .shop-name')?.textContent || '').trim(),
    price: (c.querySelector('.price, .drug-price')?.textContent || '').trim(),
    name: (c.querySelector('.drug-name, .goods-name')?.textContent || '').trim(),
    spec: (c.querySelector('.spec, .drug-spec')?.textContent || '').trim(),
    manufacturer: (c.querySelector('.factory, .manufacturer')?.textContent || '').trim(),
  })));
})()`

const cardCountJS = `document.querySelectorAll('.provider-item, .wholesale-item, .drug-provider-card').length`

// HarvestOffers renders the search page for a keyword and extracts offers
// from the supplier cards. On any failure it returns an empty list with a
// recoverable BrowserHarvestError so the orchestrator can decide whether
// endpoint-only results are acceptable.
func (h *Harvester) HarvestOffers(ctx context.Context, keyword string) ([]models.Offer, error) {
	if keyword == "" {
		return nil, fmt.Errorf("%w: empty keyword", errs.ErrInvalidInput)
	}
	release, err := h.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	pageURL := h.cfg.BaseURL + "/#/search?keyword=" + url.QueryEscape(keyword)

	var rawCards string
	err = h.withSession(ctx, func(taskCtx context.Context) error {
		if err := chromedp.Run(taskCtx, chromedp.Navigate(pageURL)); err != nil {
			return err
		}
		if err := h.waitStable(taskCtx); err != nil {
			return err
		}
		return chromedp.Run(taskCtx, chromedp.Evaluate(extractCardsJS, &rawCards))
	})
	if err != nil {
		h.record("failed")
		return nil, &errs.BrowserHarvestError{Reason: "search page harvest failed", Err: err}
	}

	var cards []offerCard
	if err := json.Unmarshal([]byte(rawCards), &cards); err != nil {
		h.record("failed")
		return nil, &errs.BrowserHarvestError{Reason: "card extraction returned malformed data", Err: err}
	}

	offers := make([]models.Offer, 0, len(cards))
	for _, c := range cards {
		price, err := models.ParseYuan(c.Price)
		if err != nil || price <= 0 {
			continue
		}
		name := c.Name
		if name == "" {
			name = keyword
		}
		offers = append(offers, models.Offer{
			Name:          name,
			Specification: c.Specification,
			Manufacturer:  c.Manufacturer,
			Price:         price,
			SupplierName:  normalize.Supplier(c.Supplier),
			SourceURL:     pageURL,
			Origin:        "browser",
		})
	}
	h.record("succeeded")
	log.Debug().Str("keyword", keyword).Int("cards", len(cards)).Int("offers", len(offers)).Msg("browser harvest complete")
	return offers, nil
}

// Field names under which upstream JSON may carry an approval number.
var approvalFieldNames = map[string]bool{
	"approvalnumber": true, "approval_number": true, "approvalno": true,
	"licensenumber": true, "license_number": true, "licenseno": true,
	"registrationnumber": true, "registration_number": true,
	"certificatenumber": true, "certificate_number": true,
	"approvalnum": true, "licensenum": true, "registrationnum": true,
	"pzwh": true, "pihao": true, "zhunzi": true,
}

var approvalPatternRe = regexp.MustCompile(
	`国药准字[HZSJB]\d{8}|国械注[准进]\d*|卫妆准字\d*|国妆特字\d*|国食健字G?\d+|卫食健字\d+`)

// ExtractDetail loads the product detail route and applies two strategies
// in order: parse any intercepted JSON response carrying an
// approval-number-like field, then scan the rendered HTML for known
// approval formats. Best-effort: an empty Detail is not an error.
func (h *Harvester) ExtractDetail(ctx context.Context, upstreamID int64) (Detail, error) {
	if upstreamID <= 0 {
		return Detail{}, fmt.Errorf("%w: upstream id must be positive", errs.ErrInvalidInput)
	}
	release, err := h.acquire(ctx)
	if err != nil {
		return Detail{}, err
	}
	defer release()

	pageURL := h.cfg.BaseURL + "/#/drug/" + strconv.FormatInt(upstreamID, 10)

	var (
		mu       sync.Mutex
		captured []network.RequestID
		bodies   [][]byte
		html     string
	)

	err = h.withSession(ctx, func(taskCtx context.Context) error {
		chromedp.ListenTarget(taskCtx, func(ev any) {
			if e, ok := ev.(*network.EventResponseReceived); ok {
				if strings.Contains(e.Response.URL, "/wholesale-drug/") {
					mu.Lock()
					captured = append(captured, e.RequestID)
					mu.Unlock()
				}
			}
		})

		if err := chromedp.Run(taskCtx, chromedp.Navigate(pageURL)); err != nil {
			return err
		}
		if err := h.waitStable(taskCtx); err != nil {
			return err
		}

		return chromedp.Run(taskCtx,
			chromedp.ActionFunc(func(cctx context.Context) error {
				mu.Lock()
				ids := append([]network.RequestID(nil), captured...)
				mu.Unlock()
				for _, id := range ids {
					body, err := network.GetResponseBody(id).Do(cctx)
					if err != nil {
						continue // response evicted; not fatal
					}
					bodies = append(bodies, body)
				}
				return nil
			}),
			chromedp.OuterHTML("html", &html),
		)
	})
	if err != nil {
		return Detail{}, &errs.BrowserHarvestError{Reason: "detail page harvest failed", Err: err}
	}

	for _, body := range bodies {
		var payload any
		if json.Unmarshal(body, &payload) != nil {
			continue
		}
		if approval := findApproval(payload); approval != "" {
			return detailFor(approval), nil
		}
	}
	if m := approvalPatternRe.FindString(html); m != "" {
		return detailFor(m), nil
	}
	return Detail{}, nil
}

func detailFor(approval string) Detail {
	d := Detail{ApprovalNumber: approval}
	if cat, ok := classify.ByApproval(approval); ok {
		d.CategoryHint = cat
	}
	return d
}

// findApproval walks decoded JSON for a valid approval number, checking
// known field names before recursing.
func findApproval(v any) string {
	switch node := v.(type) {
	case map[string]any:
		for key, val := range node {
			s, ok := val.(string)
			if !ok {
				continue
			}
			if approvalFieldNames[strings.ToLower(key)] && approvalPatternRe.MatchString(s) {
				return approvalPatternRe.FindString(s)
			}
		}
		for _, val := range node {
			if found := findApproval(val); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range node {
			if found := findApproval(item); found != "" {
				return found
			}
		}
	}
	return ""
}

// acquire takes a pool slot, honoring cancellation while waiting.
func (h *Harvester) acquire(ctx context.Context) (func(), error) {
	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withSession runs fn inside a fresh browser context with the session
// cookie installed. The browser, context and page are released on every
// exit path, including failures and cancellation.
func (h *Harvester) withSession(ctx context.Context, fn func(taskCtx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PageTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", h.cfg.Headless),
		chromedp.UserAgent(h.cfg.UserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	actions := []chromedp.Action{network.Enable()}
	if h.tokens != nil {
		tok, err := h.tokens.Get(ctx)
		if err != nil {
			return err
		}
		actions = append(actions,
			network.SetCookie("Token", tok.Value).WithDomain(h.host).WithPath("/"))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return err
	}
	return fn(taskCtx)
}

// waitStable polls the supplier-card count until the DOM has been stable
// for at least 500ms, bounded by the action timeout.
func (h *Harvester) waitStable(taskCtx context.Context) error {
	deadline := time.Now().Add(h.cfg.ActionTimeout)
	var last, stableSince = -1, time.Time{}
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("supplier-card region did not settle within %s", h.cfg.ActionTimeout)
		}
		var count int
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(cardCountJS, &count)); err != nil {
			return err
		}
		now := time.Now()
		if count != last {
			last, stableSince = count, now
		} else if count > 0 && now.Sub(stableSince) >= 500*time.Millisecond {
			return nil
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
	}
}
