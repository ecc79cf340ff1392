package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alisamani1378/m1m-guardian/internal/firewall"
)

type fakeFleet struct {
	statuses  map[string]firewall.Status
	ensureRes map[string]error
	unbanned  []netip.Addr
	unbanErr  error
}

func (f *fakeFleet) FleetFirewallStatus(context.Context) map[string]firewall.Status {
	return f.statuses
}

func (f *fakeFleet) ForceEnsureFleet(context.Context) map[string]error {
	return f.ensureRes
}

func (f *fakeFleet) UnbanFleet(_ context.Context, addr netip.Addr) error {
	f.unbanned = append(f.unbanned, addr)
	return f.unbanErr
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func testServer(fleet *fakeFleet, pinger fakePinger) *Server {
	return NewServer(":0", fleet, pinger)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := testServer(&fakeFleet{}, fakePinger{})
	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["store"])
}

func TestHealthz_DegradedOnStoreFailure(t *testing.T) {
	s := testServer(&fakeFleet{}, fakePinger{err: errors.New("refused")})
	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestFirewallStatus_RendersBackendNames(t *testing.T) {
	fleet := &fakeFleet{statuses: map[string]firewall.Status{
		"de1": {Backend: firewall.BackendIptables, SetV4: true, Chains: []string{"DOCKER-USER"}, Ensured: true},
		"nl1": {Backend: firewall.BackendNone},
	}}
	s := testServer(fleet, fakePinger{})

	w := get(t, s, "/v1/fleet/firewall")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]struct {
		Backend string   `json:"backend"`
		SetV4   bool     `json:"set_v4"`
		Chains  []string `json:"chains"`
		Ensured bool     `json:"ensured"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "iptables", body["de1"].Backend)
	assert.True(t, body["de1"].SetV4)
	assert.Equal(t, []string{"DOCKER-USER"}, body["de1"].Chains)
	assert.Equal(t, "none", body["nl1"].Backend)
}

func TestForceEnsure_MixedResults(t *testing.T) {
	fleet := &fakeFleet{ensureRes: map[string]error{
		"de1": nil,
		"nl1": errors.New("ssh: connect timed out"),
	}}
	s := testServer(fleet, fakePinger{})

	w := post(t, s, "/v1/fleet/firewall/ensure", "")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["de1"])
	assert.Contains(t, body["nl1"], "timed out")
}

func TestUnban(t *testing.T) {
	fleet := &fakeFleet{}
	s := testServer(fleet, fakePinger{})

	w := post(t, s, "/v1/fleet/unban", `{"address":"203.0.113.7"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fleet.unbanned, 1)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), fleet.unbanned[0])

	w = post(t, s, "/v1/fleet/unban", `{"address":"not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, s, "/v1/fleet/unban", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpointRegistered(t *testing.T) {
	s := testServer(&fakeFleet{}, fakePinger{})
	w := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
