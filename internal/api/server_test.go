package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
	"github.com/seolens/audit-service/internal/broadcast"
	"github.com/seolens/audit-service/internal/ratelimit"
	memorystore "github.com/seolens/audit-service/internal/store/memory"
)

type stubIDGen struct {
	ids  []string
	next int
}

func (g *stubIDGen) NewID() (string, error) {
	if g.next >= len(g.ids) {
		return fmt.Sprintf("generated-%d", g.next), nil
	}
	id := g.ids[g.next]
	g.next++
	return id, nil
}

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

type captureEnqueuer struct {
	jobs         []audit.Job
	err          error
	sawDeadlines []bool
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, job audit.Job) error {
	_, hasDeadline := ctx.Deadline()
	e.sawDeadlines = append(e.sawDeadlines, hasDeadline)
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

type fixture struct {
	server   *Server
	store    *memorystore.AuditStore
	enqueuer *captureEnqueuer
	clock    *stubClock
	b        *broadcast.Broadcaster
}

func newFixture(t *testing.T, plans map[string]int) *fixture {
	t.Helper()
	if plans == nil {
		plans = map[string]int{"free": 5, "pro": 100, "agency": 1000}
	}
	store := memorystore.NewAuditStore()
	clock := &stubClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	limiter, err := ratelimit.New(memorystore.NewUsageStore(), plans, clock)
	require.NoError(t, err)
	enqueuer := &captureEnqueuer{}
	b := broadcast.New(time.Hour, zap.NewNop())
	srv := NewServer(
		store,
		limiter,
		enqueuer,
		b,
		&stubIDGen{ids: []string{"aud-1", "aud-2", "aud-3"}},
		clock,
		nil,
		prometheus.NewRegistry(),
		zap.NewNop(),
	)
	return &fixture{server: srv, store: store, enqueuer: enqueuer, clock: clock, b: b}
}

func doRequest(t *testing.T, h http.Handler, method, path, userID, plan, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if plan != "" {
		req.Header.Set("X-User-Plan", plan)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAuditAccepted(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
		`{"url":"https://example.com"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp createAuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "aud-1", resp.AuditID)
	require.Equal(t, audit.StatusProcessing, resp.Status)

	got, err := fx.store.Get(context.Background(), "aud-1", "u1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusProcessing, got.Status)
	require.Equal(t, "https://example.com", got.URL)

	require.Len(t, fx.enqueuer.jobs, 1)
	require.Equal(t, "aud-1", fx.enqueuer.jobs[0].AuditID)
	require.Equal(t, "u1", fx.enqueuer.jobs[0].UserID)
}

func TestCreateAuditRequiresIdentity(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "", "",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, fx.enqueuer.jobs)
}

func TestCreateAuditRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{"url":`},
		{"missing url", `{}`},
		{"blank url", `{"url":"  "}`},
		{"unsupported scheme", `{"url":"ftp://example.com"}`},
		{"no host", `{"url":"https://"}`},
		{"relative", `{"url":"/path/only"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, nil)
			rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, fx.enqueuer.jobs)

			// Rejected requests must not consume quota.
			rec = doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
				`{"url":"https://example.com"}`)
			require.Equal(t, http.StatusAccepted, rec.Code)
		})
	}
}

func TestCreateAuditRateLimited(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"free": 2})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
			`{"url":"https://example.com"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp struct {
		Error string       `json:"error"`
		Usage usagePayload `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Rate limit exceeded. Upgrade to Pro for more audits", resp.Error)
	require.Equal(t, 2, resp.Usage.Used)
	require.Equal(t, 2, resp.Usage.Limit)
	require.Len(t, fx.enqueuer.jobs, 2)
}

func TestCreateAuditUnknownPlanUsesFreeCeiling(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"free": 1, "pro": 100})
	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "platinum",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "platinum",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCreateAuditEnqueueIsBounded(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// A saturated queue must not hang the request: the handoff context
	// carries a deadline so Enqueue fails fast into the 503 path.
	require.Equal(t, []bool{true}, fx.enqueuer.sawDeadlines)
}

func TestCreateAuditQueueFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.enqueuer.err = errors.New("queue full")

	rec := doRequest(t, fx.server.Handler(), http.MethodPost, "/v1/audits", "u1", "free",
		`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	got, err := fx.store.Get(context.Background(), "aud-1", "u1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, got.Status)
}

func TestListAuditsNewestFirst(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	for i, id := range []string{"aud-1", "aud-2", "aud-3"} {
		err := fx.store.Create(context.Background(), audit.Audit{
			ID:        id,
			URL:       "https://example.com",
			UserID:    "u1",
			Status:    audit.StatusProcessing,
			CreatedAt: fx.clock.now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits", "u1", "free", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Audits []audit.Summary `json:"audits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Audits, 3)
	require.Equal(t, "aud-3", resp.Audits[0].ID)
	require.Equal(t, "aud-1", resp.Audits[2].ID)
}

func TestListAuditsScopedToUser(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "other",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))

	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits", "u1", "free", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Audits []audit.Summary `json:"audits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Audits)
}

func TestGetAudit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	score := 87
	completed := fx.clock.now.Add(time.Minute)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "u1",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))
	require.NoError(t, fx.store.Complete(context.Background(), "aud-1", score, audit.Result{
		TechnicalIssues: []string{},
		OnPageIssues:    []string{"Short title"},
		Recommendations: []string{"Lengthen the title"},
	}, completed))

	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits/aud-1", "u1", "free", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got audit.Audit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, audit.StatusCompleted, got.Status)
	require.NotNil(t, got.Score)
	require.Equal(t, score, *got.Score)
	require.NotNil(t, got.Results)
	require.Equal(t, []string{"Short title"}, got.Results.OnPageIssues)
}

func TestGetAuditNotFoundAcrossUsers(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "owner",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))

	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits/aud-1", "intruder", "free", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits/missing", "owner", "free", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, fx.server.Handler(), http.MethodGet, "/readyz", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, fx.server.Handler(), http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamProgressTerminalAudit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "u1",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))
	require.NoError(t, fx.store.Fail(context.Background(), "aud-1", "fetch timed out", fx.clock.now))

	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits/aud-1/progress", "u1", "free", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Contains(t, body, `"status":"failed"`)
	require.Contains(t, body, "fetch timed out")
	require.Equal(t, 1, strings.Count(body, "data: "))
}

func TestStreamProgressLive(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "u1",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/audits/aud-1/progress", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Publishes before the handler registers are dropped, so repeat the
	// pair until the stream observes the terminal event and closes.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fx.b.Publish("aud-1", broadcast.Progress(2, "Fetching webpage..."))
				fx.b.Publish("aud-1", broadcast.Completed(audit.Result{
					TechnicalIssues: []string{},
					OnPageIssues:    []string{},
					Recommendations: []string{},
				}))
			}
		}
	}()
	defer close(done)

	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}

	require.NotEmpty(t, payloads)
	var last broadcast.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-1]), &last))
	require.Equal(t, audit.StatusCompleted, last.Status)
	require.NotNil(t, last.Results)
}

func TestStreamProgressHeadersBeforeFirstEvent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "u1",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	// Nothing has been published and the keep-alive cadence is an hour
	// away; the response headers must arrive regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/audits/aud-1/progress", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestStreamProgressSurvivesListenerReplacement(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Create(context.Background(), audit.Audit{
		ID: "aud-1", URL: "https://example.com", UserID: "u1",
		Status: audit.StatusProcessing, CreatedAt: fx.clock.now,
	}))

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	openStream := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/audits/aud-1/progress", nil)
		require.NoError(t, err)
		req.Header.Set("X-User-ID", "u1")
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return resp
	}

	first := openStream()
	defer first.Body.Close()

	// Confirm the first stream is registered by reading one relayed event.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fx.b.Publish("aud-1", broadcast.Progress(1, "Validating URL..."))
			}
		}
	}()
	firstScanner := bufio.NewScanner(first.Body)
	sawEvent := false
	for firstScanner.Scan() {
		if strings.HasPrefix(firstScanner.Text(), "data: ") {
			sawEvent = true
			break
		}
	}
	require.True(t, sawEvent)
	close(done)

	// A second stream for the same audit replaces the first; the first
	// handler's cleanup must not tear the replacement down.
	second := openStream()
	defer second.Body.Close()

	terminalDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-terminalDone:
				return
			case <-ticker.C:
				fx.b.Publish("aud-1", broadcast.Completed(audit.Result{
					TechnicalIssues: []string{},
					OnPageIssues:    []string{},
					Recommendations: []string{},
				}))
			}
		}
	}()
	defer close(terminalDone)

	var payloads []string
	secondScanner := bufio.NewScanner(second.Body)
	for secondScanner.Scan() {
		line := secondScanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, payloads, "replacement stream ended without any event")

	var last broadcast.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-1]), &last))
	require.Equal(t, audit.StatusCompleted, last.Status)
}

func TestStreamProgressUnknownAudit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	rec := doRequest(t, fx.server.Handler(), http.MethodGet, "/v1/audits/missing/progress", "u1", "free", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
