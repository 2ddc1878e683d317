package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/analytics"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/ratelimit"
	"pharmwatch/internal/sched"
	"pharmwatch/internal/store"
)

func testServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "sqlmock"), 5*time.Second)
	deps := Deps{
		Store:     st,
		Analytics: analytics.NewService(st.Drugs, nil),
		Scheduler: sched.New(sched.Config{}, nil, st.Tasks, st.Watch, nil),
	}
	srv, err := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, deps)
	require.NoError(t, err)
	return srv, mock
}

func do(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestCrawlRejectsEmptyKeyword(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodPost, "/crawl/quick", `{"keyword": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeErrorBody(t, rec).Error)
}

func TestCrawlRejectsMalformedBody(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodPost, "/crawl/full", `{keyword`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeErrorBody(t, rec).Error)
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodGet, "/no/such/route", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeErrorBody(t, rec).Error)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestRequestIDHeaderSet(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodGet, "/no/such/route", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestHealthzOK(t *testing.T) {
	srv, mock := testServer(t)
	mock.ExpectPing()
	rec := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsRateLimits(t *testing.T) {
	srv, mock := testServer(t)
	limiter := ratelimit.NewLimiter(5, 1)
	require.NoError(t, limiter.Wait(context.Background(), "dian.ysbang.cn"))
	srv.deps.Limiter = limiter

	mock.ExpectPing()
	rec := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RateLimits []ratelimit.Stats `json:"rate_limits"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.RateLimits, 1)
	assert.Equal(t, "dian.ysbang.cn", body.RateLimits[0].Host)
}

func TestHealthzDegraded(t *testing.T) {
	srv, mock := testServer(t)
	mock.ExpectPing().WillReturnError(assert.AnError)
	rec := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTaskGetAbsent(t *testing.T) {
	srv, mock := testServer(t)
	mock.ExpectQuery(`SELECT .* FROM crawl_tasks WHERE id`).WillReturnError(sql.ErrNoRows)
	rec := do(srv, http.MethodGet, "/tasks/12", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskCancelNotRunning(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodDelete, "/tasks/12", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeErrorBody(t, rec).Error)
}

func TestCompareRequiresDrugID(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodGet, "/compare", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecommendRejectsBadBudget(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodGet, "/recommend?drug_id=7&budget=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsRejectsNonPositiveDays(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(srv, http.MethodGet, "/monitor/alerts?days=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantTag    string
	}{
		{errs.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{&errs.AuthError{Message: "bad token"}, http.StatusUnauthorized, "auth"},
		{&errs.RateLimitedError{RetryAfter: 30 * time.Second}, http.StatusTooManyRequests, "rate_limited"},
		{&errs.UpstreamClientError{Status: 404}, http.StatusBadGateway, "upstream"},
		{&errs.UpstreamProtocolError{Code: "50001"}, http.StatusBadGateway, "upstream"},
		{&errs.BrowserHarvestError{Reason: "timeout"}, http.StatusBadGateway, "upstream"},
		{&errs.PersistenceError{}, http.StatusInternalServerError, "persistence"},
		{assert.AnError, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.wantStatus, rec.Code, tc.wantTag)
		var body errorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, tc.wantTag, body.Error)
	}
}

func TestWriteErrorRateLimitSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &errs.RateLimitedError{RetryAfter: 42 * time.Second})
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=25&flag=true&junk=zz", nil)
	assert.Equal(t, 25, queryInt(req, "limit", 50))
	assert.Equal(t, 50, queryInt(req, "missing", 50))
	assert.Equal(t, 50, queryInt(req, "junk", 50))
	assert.True(t, queryBool(req, "flag"))
	assert.False(t, queryBool(req, "missing"))
}
