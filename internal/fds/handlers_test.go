package fds

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc := newTestService(t)
	h := NewHandler(svc, nil, nil, testLogger())
	return h.Router(RouterConfig{InternalCIDRs: []string{"127.0.0.1/32"}}), svc
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:51000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestEvaluateEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/fds/evaluate",
		`{"transactionId":"tx-1","userId":"user-1","amount":50000,"currency":"KRW","ip":"203.0.113.10","country":"KR"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var decision Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, OutcomeApprove, decision.Outcome)
	assert.Equal(t, "tx-1", decision.TransactionID)
	assert.True(t, strings.HasPrefix(decision.ID, "dec_"))

	// Stored decision is readable back
	w = doRequest(router, http.MethodGet, "/v1/fds/decisions/"+decision.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluateEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"bad ip", `{"transactionId":"t","userId":"u","amount":1,"ip":"not-an-ip"}`},
		{"bad currency", `{"transactionId":"t","userId":"u","amount":1,"ip":"1.2.3.4","currency":"WON"}`},
		{"bad country", `{"transactionId":"t","userId":"u","amount":1,"ip":"1.2.3.4","country":"KOR"}`},
		{"negative amount", `{"transactionId":"t","userId":"u","amount":-5,"ip":"1.2.3.4"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/v1/fds/evaluate", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestDecisionNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/v1/fds/decisions/dec_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestBlacklistEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/internal/fds/blacklist",
		`{"kind":"ip","value":"198.51.100.7","reason":"carding"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/internal/fds/blacklist", `{"kind":"email","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/internal/fds/blacklist?kind=ip", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "198.51.100.7")

	// A blacklisted IP is denied outright
	w = doRequest(router, http.MethodPost, "/v1/fds/evaluate",
		`{"transactionId":"tx-1","userId":"user-1","amount":100,"ip":"198.51.100.7"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"deny"`)

	w = doRequest(router, http.MethodDelete, "/internal/fds/blacklist/ip/198.51.100.7", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodDelete, "/internal/fds/blacklist/ip/198.51.100.7", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/rules",
		`{"name":"high value","expression":"amount > 1000000.0","action":"review","enabled":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created rules.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.ID, "rule_"))

	// Expressions that do not compile are rejected with 400
	w = doRequest(router, http.MethodPost, "/v1/rules",
		`{"name":"broken","expression":"amount >","action":"deny","enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_expression")

	w = doRequest(router, http.MethodPut, "/v1/rules/"+created.ID,
		`{"name":"high value","expression":"amount > 2000000.0","action":"review","enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doRequest(router, http.MethodDelete, "/v1/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodDelete, "/v1/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviewQueueEndpoints(t *testing.T) {
	router, svc := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertRule(ctx, &rules.Rule{
		Name:       "review all",
		Expression: "amount > 0.0",
		Action:     rules.ActionReview,
		Enabled:    true,
	}))
	w := doRequest(router, http.MethodPost, "/v1/fds/evaluate",
		`{"transactionId":"tx-1","userId":"user-1","amount":100,"ip":"203.0.113.10"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/review-queue", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Items []*ReviewItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)

	w = doRequest(router, http.MethodPost, "/v1/review-queue/"+list.Items[0].ID+"/resolve",
		`{"verdict":"approve","reviewer":"analyst-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ReviewApproved)

	// Queue drains after resolution
	w = doRequest(router, http.MethodGet, "/v1/review-queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestInternalStatsAllowlist(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/internal/fds/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pendingReviews")

	req := httptest.NewRequest(http.MethodGet, "/internal/fds/stats", nil)
	req.RemoteAddr = "203.0.113.50:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := doRequest(router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
