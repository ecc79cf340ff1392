package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alisamani1378/m1m-guardian/internal/config"
	"github.com/alisamani1378/m1m-guardian/internal/firewall"
	"github.com/alisamani1378/m1m-guardian/internal/sshx"
	"github.com/alisamani1378/m1m-guardian/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	pingErr  error
	banned   []store.BannedEntry
	active   []store.ActiveSlot
	unmarked []string
	clearedN int
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) AddAddress(_ context.Context, _, _, _ string, _ int) ([]string, bool) {
	return nil, false
}
func (s *fakeStore) IsBannedRecently(context.Context, string) bool { return false }
func (s *fakeStore) MarkBanned(context.Context, string, time.Duration) error {
	return nil
}

func (s *fakeStore) ListActive(context.Context, int) ([]store.ActiveSlot, error) {
	return s.active, nil
}

func (s *fakeStore) ListBanned(context.Context, int) ([]store.BannedEntry, error) {
	return s.banned, nil
}

func (s *fakeStore) UnmarkBanned(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmarked = append(s.unmarked, addr)
	return nil
}

func (s *fakeStore) UnmarkAllBanned(context.Context) (int, error) {
	return s.clearedN, nil
}

type fleetEnforcer struct {
	mu       sync.Mutex
	statuses map[string]firewall.Status
	probeErr map[string]error
	unbanErr map[string]error
	calls    []string
}

func newFleetEnforcer() *fleetEnforcer {
	return &fleetEnforcer{
		statuses: map[string]firewall.Status{},
		probeErr: map[string]error{},
		unbanErr: map[string]error{},
	}
}

func (e *fleetEnforcer) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, s)
}

func (e *fleetEnforcer) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fleetEnforcer) Probe(_ context.Context, node sshx.Node) (firewall.Status, error) {
	e.record("probe:" + node.Name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[node.Name], e.probeErr[node.Name]
}

func (e *fleetEnforcer) EnsureRules(_ context.Context, node sshx.Node) error {
	e.record("ensure:" + node.Name)
	e.mu.Lock()
	defer e.mu.Unlock()
	// Ensuring heals the node for subsequent probes.
	e.statuses[node.Name] = healthyStatus()
	return nil
}

func (e *fleetEnforcer) ForceEnsure(_ context.Context, node sshx.Node) error {
	e.record("force:" + node.Name)
	return nil
}

func (e *fleetEnforcer) Unban(_ context.Context, node sshx.Node, addr netip.Addr) error {
	e.record(fmt.Sprintf("unban:%s:%s", node.Name, addr))
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unbanErr[node.Name]
}

func (e *fleetEnforcer) FlushSets(_ context.Context, node sshx.Node) error {
	e.record("flush:" + node.Name)
	return nil
}

func (e *fleetEnforcer) ScheduleBan(node sshx.Node, addr netip.Addr, _ time.Duration) bool {
	e.record(fmt.Sprintf("schedule:%s:%s", node.Name, addr))
	return true
}

func (e *fleetEnforcer) StartWorker(_ context.Context, node sshx.Node) {
	e.record("worker:" + node.Name)
}

func healthyStatus() firewall.Status {
	return firewall.Status{
		Backend: firewall.BackendIptables,
		SetV4:   true,
		Chains:  []string{"DOCKER-USER"},
	}
}

type runnerStub struct{}

func (runnerStub) Run(context.Context, sshx.Node, string) (int, []byte, error) {
	return 0, nil, nil
}

func (runnerStub) Stream(context.Context, sshx.Node, string) (<-chan string, func(), error) {
	ch := make(chan string)
	close(ch)
	return ch, func() {}, nil
}

type notifierStub struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifierStub) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *notifierStub) NotifyWithUnban(text string, _ netip.Addr) { n.Notify(text) }

func (n *notifierStub) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func testConfig(nodes ...string) *config.Config {
	cfg := &config.Config{
		BanMinutes:    10,
		InboundsLimit: map[string]int{"VMESS_TCP": 2},
	}
	for _, n := range nodes {
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{Name: n, Host: n + ".example"})
	}
	return cfg
}

func newTestOrchestrator(cfg *config.Config) (*Orchestrator, *fakeStore, *fleetEnforcer, *notifierStub) {
	st := &fakeStore{}
	enf := newFleetEnforcer()
	nt := &notifierStub{}
	return New(cfg, st, enf, runnerStub{}, nt), st, enf, nt
}

func TestRun_FatalOnUnreachableStore(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(testConfig("de1"))
	st.pingErr = errors.New("connection refused")

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state store unreachable")
}

func TestRun_HealsFleetAndSpawnsWatchers(t *testing.T) {
	o, _, enf, nt := newTestOrchestrator(testConfig("de1", "nl1"))
	enf.statuses["de1"] = healthyStatus()
	// nl1 starts unhealthy and is healed by EnsureRules.

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return len(nt.all()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	summary := nt.all()[0]
	assert.Contains(t, summary, "guardian up")
	assert.Contains(t, summary, "✅ de1")
	assert.Contains(t, summary, "✅ nl1")
	assert.Contains(t, enf.recorded(), "ensure:nl1")
	assert.NotContains(t, enf.recorded(), "ensure:de1")

	// One watcher per node started the fleet workers.
	require.Eventually(t, func() bool {
		workers := 0
		for _, c := range enf.recorded() {
			if c == "worker:de1" || c == "worker:nl1" {
				workers++
			}
		}
		return workers >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestUnbanFleet_FansOutAndAggregatesErrors(t *testing.T) {
	o, st, enf, _ := newTestOrchestrator(testConfig("de1", "nl1", "us1"))
	enf.unbanErr["nl1"] = errors.New("set does not exist")
	addr := netip.MustParseAddr("203.0.113.7")

	err := o.UnbanFleet(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nl1")
	assert.NotContains(t, err.Error(), "de1:")

	assert.Equal(t, []string{"203.0.113.7"}, st.unmarked)
	unbans := 0
	for _, c := range enf.recorded() {
		if c == "unban:de1:203.0.113.7" || c == "unban:nl1:203.0.113.7" || c == "unban:us1:203.0.113.7" {
			unbans++
		}
	}
	assert.Equal(t, 3, unbans)
}

func TestClearAllBans_FlushesEveryNode(t *testing.T) {
	o, st, enf, _ := newTestOrchestrator(testConfig("de1", "nl1"))
	st.clearedN = 7

	cleared, err := o.ClearAllBans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, cleared)
	assert.Contains(t, enf.recorded(), "flush:de1")
	assert.Contains(t, enf.recorded(), "flush:nl1")
}

func TestBanned_Pagination(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(testConfig("de1"))
	for i := 0; i < bannedPageSize+3; i++ {
		st.banned = append(st.banned, store.BannedEntry{
			Address:   fmt.Sprintf("203.0.113.%d", i+1),
			Remaining: 5 * time.Minute,
		})
	}

	page1 := o.Banned(context.Background(), 1)
	assert.Contains(t, page1, "203.0.113.1")
	assert.Contains(t, page1, "/banned 2")

	page2 := o.Banned(context.Background(), 2)
	assert.Contains(t, page2, fmt.Sprintf("203.0.113.%d", bannedPageSize+1))
	assert.NotContains(t, page2, "/banned 3")

	assert.Contains(t, o.Banned(context.Background(), 9), "past the end")
}

func TestBanned_Empty(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(testConfig("de1"))
	assert.Equal(t, "no active bans", o.Banned(context.Background(), 1))
}

func TestStatusSummary_ReportsStoreAndFleet(t *testing.T) {
	o, _, enf, _ := newTestOrchestrator(testConfig("de1"))
	enf.statuses["de1"] = healthyStatus()

	out := o.StatusSummary(context.Background())
	assert.Contains(t, out, "✅ de1")
	assert.Contains(t, out, "backend=iptables")
	assert.Contains(t, out, "✅ store: reachable")
}

func TestReboot_UnknownNode(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(testConfig("de1"))
	assert.Contains(t, o.Reboot(context.Background(), "xx9"), "unknown node")
	assert.Contains(t, o.Reboot(context.Background(), "de1"), "reboot issued")
}

func TestUnbanAllText(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(testConfig("de1"))
	st.clearedN = 3
	out := o.UnbanAll(context.Background())
	assert.Contains(t, out, "3 marker(s)")
}
