package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/internal/api"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/pkg/usage"
)

type env struct {
	store  *subscription.MemoryStore
	router http.Handler
}

func newEnv(t *testing.T) env {
	t.Helper()
	return newEnvWithLogger(t, logger.Discard())
}

func newEnvWithLogger(t *testing.T, log *slog.Logger) env {
	t.Helper()

	store := subscription.NewMemoryStore()
	catalog := plan.NewCatalog(plan.WithEnvironment(map[string]string{}), plan.WithLogger(log))
	gate := quota.NewGate(store, quota.NewEngine(quota.WithLogger(log)), quota.WithGateLogger(log))
	ledger := usage.NewLedger(store, usage.WithLogger(log))
	svc := subscription.NewService(store, catalog, subscription.WithLogger(log))

	h := api.NewHandler(gate, ledger, svc, catalog, log)
	return env{store: store, router: h.Routes()}
}

func (e env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e env) setup(t *testing.T, planID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	w := e.do(t, http.MethodPost, "/tenants/"+id.String()+"/subscription", `{"plan":"`+planID+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return id
}

func TestSubscriptionEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.setup(t, "free")

	w := e.do(t, http.MethodPost, "/tenants/"+id.String()+"/subscription", `{"plan":"free"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPut, "/tenants/"+id.String()+"/subscription/plan", `{"plan":"enterprise"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/tenants/"+id.String()+"/subscription", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sub subscription.TenantSubscription
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.Equal(t, plan.Enterprise, sub.Plan)
	assert.Equal(t, subscription.StatusTrial, sub.Status)

	w = e.do(t, http.MethodGet, "/tenants/"+uuid.NewString()+"/subscription", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/tenants/not-a-uuid/subscription", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, "/tenants/"+id.String()+"/subscription/plan", `{"plan":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorizeEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.setup(t, "free")
	path := "/tenants/" + id.String() + "/authorize"

	// Free plan default: one user.
	w := e.do(t, http.MethodPost, path, `{"action":"create_user","count":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	var d quota.Decision
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.True(t, d.Allowed)

	w = e.do(t, http.MethodPost, path, `{"action":"create_user"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.Equal(t, quota.ReasonLimitExceeded, d.Reason)

	w = e.do(t, http.MethodPost, "/tenants/"+id.String()+"/release", `{"action":"create_user","count":1}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodPost, path, `{"action":"create_user"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, path, `{"action":"launch_rocket"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.Equal(t, quota.ReasonUnknownAction, d.Reason)

	w = e.do(t, http.MethodPost, path, `{"action":"create_user","count":-2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, path, `{"action":"create_user","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.setup(t, "basic")
	path := "/tenants/" + id.String() + "/usage"

	w := e.do(t, http.MethodPost, path, `{"kind":"clients","delta":2}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodPost, path, `{"kind":"storage","delta":1073741824,"filename":"a.pdf"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	sub, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sub.Usage.CurrentClients)
	assert.InDelta(t, 1.0, sub.Usage.StorageUsedGB, 1e-9)

	w = e.do(t, http.MethodPost, path, `{"kind":"storage","delta":0,"filename":"a.pdf"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	sub, err = e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sub.Usage.StorageUsedGB, 1e-9)

	w = e.do(t, http.MethodPost, path, `{"kind":"storage","delta":0,"filename":"never-recorded.pdf"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = e.do(t, http.MethodPost, path, `{"kind":"widgets","delta":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/tenants/"+uuid.NewString()+"/usage", `{"kind":"clients","delta":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPlans(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/plans", "")
	require.Equal(t, http.StatusOK, w.Code)

	var plans map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(w.Body).Decode(&plans))
	assert.Len(t, plans, 4)
	assert.Contains(t, plans, "premium")
}

func TestRequestLogsCarryTenant(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	e := newEnvWithLogger(t, logger.New(logger.WithOutput(buf)))
	id := e.setup(t, "basic")
	buf.Reset()

	w := e.do(t, http.MethodPost, "/tenants/"+id.String()+"/usage", `{"kind":"storage","delta":0,"filename":"ghost.txt"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var entries []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, id.String(), entry["tenant_id"], entry["msg"])
	}
}
