package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/intel-engine/internal/engine"
	"github.com/rawblock/intel-engine/internal/registry/memory"
	"github.com/rawblock/intel-engine/internal/scanner"
	"github.com/rawblock/intel-engine/pkg/models"
)

const testToken = "s3cret"

var apiNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (*gin.Engine, *scanner.Rescanner) {
	t.Helper()
	r, _, rs := newTestServer(t)
	return r, rs
}

func newTestServer(t *testing.T) (*gin.Engine, *engine.Engine, *scanner.Rescanner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := memory.New()
	err := reg.Seed(
		models.Address{
			ID:             "w",
			Address:        "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			CryptoType:     models.CryptoBTC,
			SourceCategory: models.CategoryScam,
			SourceURL:      "https://bitcointalk.org/t=1",
			IsWatched:      true,
		},
		models.Address{
			ID:         "z",
			Address:    "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe",
			CryptoType: models.CryptoETH,
		},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng, err := engine.New(engine.Options{Registry: reg, Now: func() time.Time { return apiNow }})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	rs := scanner.NewRescanner(eng)
	return SetupRouter(RouterConfig{AuthToken: testToken, Backend: "memory"}, eng, NewHub(), rs), eng, rs
}

func do(r http.Handler, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/v1/health", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"operational"`) {
		t.Fatalf("unexpected health body %s", w.Body.String())
	}
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := do(r, http.MethodGet, "/api/v1/dashboard", nil, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", w.Code)
	}

	w = do(r, http.MethodGet, "/api/v1/dashboard", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var stats models.DashboardStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalAddresses != 2 || stats.WatchedAddresses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestScoreAddressRoute(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := do(r, http.MethodPost, "/api/v1/addresses/nope/score", nil, true); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/v1/addresses/w/score", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.ScoreResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.AddressID != "w" || res.Verdict.Category != models.CategoryScam {
		t.Fatalf("unexpected result %+v", res)
	}

	w = do(r, http.MethodGet, "/api/v1/addresses/w/history", nil, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":1`) {
		t.Fatalf("expected one history record, got %d: %s", w.Code, w.Body.String())
	}
}

func TestScoreBatchRoute(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := do(r, http.MethodPost, "/api/v1/score/batch", map[string]any{"ids": []string{}}, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty batch, got %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/score/batch", map[string]any{"ids": []string{"w", "nope", "z"}}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Results []engine.ScoreResult `json:"results"`
		Total   int                  `json:"total"`
		Failed  int                  `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.Failed != 1 || resp.Results[1].Error == "" {
		t.Fatalf("expected the unknown id to fail alone, got %+v", resp)
	}
}

func TestExportRoute(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := do(r, http.MethodGet, "/api/v1/export?format=xlsx", nil, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/export?crypto_type=FOO", nil, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown crypto_type, got %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/v1/export?format=csv&crypto_type=eth", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe") || strings.Contains(body, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT") {
		t.Fatalf("export filter not applied:\n%s", body)
	}

	w = do(r, http.MethodGet, "/api/v1/export?format=graphml", nil, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<graphml") {
		t.Fatalf("expected graphml document, got %d", w.Code)
	}
}

func TestAlertRoutes(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/v1/alerts?limit=5", nil, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":0`) {
		t.Fatalf("expected empty alert list, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/v1/alerts?limit=-1", nil, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/alerts/nope/ack", nil, true); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 acknowledging unknown address, got %d", w.Code)
	}
	w = do(r, http.MethodPost, "/api/v1/alerts/w/ack", map[string]string{"operator": "analyst-1"}, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"acknowledged":false`) {
		t.Fatalf("acknowledging a quiescent address is a no-op, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAlertRoutes_SeverityFilter(t *testing.T) {
	r, eng, _ := newTestServer(t)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c"} {
		eng.Alerts().EmitAlert(ctx, models.WatchlistAlert{AddressID: "w", Severity: models.SeverityWarning, Title: title})
	}

	w := do(r, http.MethodGet, "/api/v1/alerts?severity=WARNING&limit=2", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Data  []models.WatchlistAlert `json:"data"`
		Count int                     `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Data[0].Title != "c" || body.Data[1].Title != "b" {
		t.Fatalf("expected the two newest warnings, got %+v", body.Data)
	}

	w = do(r, http.MethodGet, "/api/v1/alerts?severity=urgent", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown severity, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWatchRoute(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := do(r, http.MethodPut, "/api/v1/addresses/w/watch", map[string]any{}, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without watched flag, got %d", w.Code)
	}
	w := do(r, http.MethodPut, "/api/v1/addresses/z/watch", map[string]bool{"watched": true}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var a models.Address
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil || !a.IsWatched {
		t.Fatalf("expected z to be watched, got %+v (%v)", a, err)
	}
}

func TestRescanRoute(t *testing.T) {
	r, rs := newTestRouter(t)
	if w := do(r, http.MethodPost, "/api/v1/rescan", nil, true); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rs.GetProgress().PassesRun == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("rescan did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	w := do(r, http.MethodGet, "/api/v1/rescan/progress", nil, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"passesRun":1`) {
		t.Fatalf("unexpected progress %d: %s", w.Code, w.Body.String())
	}
}

func TestWriteErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", models.ErrInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrPersistenceConflict, http.StatusConflict},
		{models.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tc.err)
		if w.Code != tc.want {
			t.Errorf("writeError(%v) = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()
	now := apiNow
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.allow("1.2.3.4"); !ok {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	ok, retry := rl.allow("1.2.3.4")
	if ok || retry <= 0 || retry > time.Second {
		t.Fatalf("expected rejection with retry <= 1s, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := rl.allow("5.6.7.8"); !ok {
		t.Fatalf("buckets must be per IP")
	}

	now = now.Add(time.Second)
	if ok, _ := rl.allow("1.2.3.4"); !ok {
		t.Fatalf("expected a token after one second")
	}

	rl.sweep(now.Add(time.Minute))
	if len(rl.buckets) != 0 {
		t.Fatalf("expected idle buckets swept, %d left", len(rl.buckets))
	}
}
