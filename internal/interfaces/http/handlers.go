package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// writeError maps the tagged error variants onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		authErr   *errs.AuthError
		rlErr     *errs.RateLimitedError
		clientErr *errs.UpstreamClientError
		protoErr  *errs.UpstreamProtocolError
		bhErr     *errs.BrowserHarvestError
		persErr   *errs.PersistenceError
	)
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: err.Error()})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth", Message: err.Error()})
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: err.Error()})
	case errors.As(err, &clientErr), errors.As(err, &protoErr), errors.As(err, &bhErr):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream", Message: err.Error()})
	case errors.As(err, &persErr):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "persistence", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad id", errs.ErrInvalidInput)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	return v == "1" || v == "true" || v == "yes"
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		status, code = "degraded: "+err.Error(), http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status, "time": time.Now().UTC()}
	if s.deps.Limiter != nil {
		body["rate_limits"] = s.deps.Limiter.AllStats()
	}
	writeJSON(w, code, body)
}

// --- crawl ---

type crawlRequest struct {
	Keyword      string `json:"keyword"`
	MaxPages     int    `json:"max_pages,omitempty"`
	MinProviders int    `json:"min_providers,omitempty"`
	ForceBrowser bool   `json:"force_browser,omitempty"`
}

type crawlResponse struct {
	Keyword     string         `json:"keyword"`
	Method      string         `json:"method"`
	Suppliers   int            `json:"suppliers"`
	Offers      int            `json:"offers"`
	Persisted   int            `json:"persisted"`
	UsedBrowser bool           `json:"used_browser"`
	Sample      []models.Offer `json:"sample,omitempty"`
}

func decodeCrawl(r *http.Request) (crawlRequest, error) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidInput, err)
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		return req, fmt.Errorf("%w: keyword is required", errs.ErrInvalidInput)
	}
	return req, nil
}

func (s *Server) handleCrawlQuick(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawl(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Pipeline.Orch.AcquireEndpoint(r.Context(), req.Keyword)
	if err != nil {
		writeError(w, err)
		return
	}
	persisted, err := s.deps.Pipeline.Ing.Ingest(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crawlResult("quick", res.Keyword, len(res.Suppliers), res.Offers, persisted, false))
}

func (s *Server) handleCrawlFull(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawl(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Pipeline.Orch.Acquire(r.Context(), req.Keyword, true)
	if err != nil {
		writeError(w, err)
		return
	}
	persisted, err := s.deps.Pipeline.Ing.Ingest(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crawlResult("full", res.Keyword, len(res.Suppliers), res.Offers, persisted, res.UsedBrowser))
}

func (s *Server) handleCrawlSmart(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawl(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Pipeline.Orch.Acquire(r.Context(), req.Keyword, req.ForceBrowser)
	if err != nil {
		writeError(w, err)
		return
	}
	persisted, err := s.deps.Pipeline.Ing.Ingest(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crawlResult(res.Method(), res.Keyword, len(res.Suppliers), res.Offers, persisted, res.UsedBrowser))
}

func crawlResult(method, keyword string, suppliers int, offers []models.Offer, persisted int, usedBrowser bool) crawlResponse {
	sample := offers
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return crawlResponse{
		Keyword:     keyword,
		Method:      method,
		Suppliers:   suppliers,
		Offers:      len(offers),
		Persisted:   persisted,
		UsedBrowser: usedBrowser,
		Sample:      sample,
	}
}

type batchRequest struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

func (s *Server) handleCrawlBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidInput, err))
		return
	}
	var keywords []string
	for _, kw := range req.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	task, err := s.deps.Store.Tasks.Create(r.Context(), req.Name, keywords)
	if err != nil {
		writeError(w, err)
		return
	}
	// The task outlives the request; the scheduler scopes it itself.
	if err := s.deps.Scheduler.Start(context.Background(), task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "total_keywords": task.TotalKeywords})
}

// --- tasks ---

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.Tasks.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Store.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such task"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "progress_pct": task.Progress()})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.deps.Scheduler.Cancel(id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "task is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.deps.Scheduler.Pause(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "task is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": id})
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.deps.Scheduler.Resume(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "task is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": id})
}

// --- read side ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	category := models.Category(r.URL.Query().Get("category"))
	drugs, err := s.deps.Analytics.Search(r.Context(), q, category, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drugs)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.deps.Store.Drugs.Prices(r.Context(), id, time.Time{},
		queryInt(r, "limit", 200), queryBool(r, "include_outliers"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.deps.Analytics.History(r.Context(), id,
		queryInt(r, "days", 30), queryBool(r, "include_outliers"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	drugID := int64(queryInt(r, "drug_id", 0))
	if drugID <= 0 {
		writeError(w, fmt.Errorf("%w: drug_id is required", errs.ErrInvalidInput))
		return
	}
	cmp, err := s.deps.Analytics.Compare(r.Context(), drugID, queryBool(r, "include_outliers"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	drugID := int64(queryInt(r, "drug_id", 0))
	if drugID <= 0 {
		writeError(w, fmt.Errorf("%w: drug_id is required", errs.ErrInvalidInput))
		return
	}
	budget, err := parseBudget(r.URL.Query().Get("budget"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.deps.Analytics.Recommend(r.Context(), drugID, queryInt(r, "quantity", 1), budget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseBudget(raw string) (models.Cents, error) {
	if raw == "" {
		return 0, nil
	}
	c, err := models.ParseYuan(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad budget: %v", errs.ErrInvalidInput, err)
	}
	return c, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Analytics.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- watch list ---

func (s *Server) handleWatchList(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.Watch.List(r.Context(), queryBool(r, "enabled_only"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleWatchAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword      string `json:"keyword"`
		CategoryHint string `json:"category_hint"`
		Priority     int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidInput, err))
		return
	}
	item, err := s.deps.Store.Watch.Add(r.Context(), req.Keyword, req.CategoryHint, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleWatchRemove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.Watch.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleWatchToggle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidInput, err))
		return
	}
	if err := s.deps.Store.Watch.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

// --- monitor ---

func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var rule models.MonitorRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalidInput, err))
		return
	}
	created, err := s.deps.Store.Monitor.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.Monitor.DeleteRule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days <= 0 {
		writeError(w, fmt.Errorf("%w: days must be positive", errs.ErrInvalidInput))
		return
	}
	alerts, err := s.deps.Store.Monitor.Alerts(r.Context(), int64(queryInt(r, "drug_id", 0)), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	filtered := alerts[:0]
	for _, a := range alerts {
		if a.CreatedAt.After(cutoff) {
			filtered = append(filtered, a)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}
