package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

// Status is the firewall state of one node as seen by the status probe.
type Status struct {
	Backend Backend  `json:"backend"`
	SetV4   bool     `json:"set_v4"`
	SetV6   bool     `json:"set_v6"`
	Chains  []string `json:"chains"`
	Ensured bool     `json:"ensured"` // process-lifetime ensurance flag
}

func (s Status) Healthy() bool {
	return s.Backend != BackendNone && s.SetV4 && len(s.Chains) > 0
}

// Enforcer manages the firewall state of the whole fleet: backend
// detection (cached per node for the process lifetime), idempotent rule
// ensurance with verification, the per-node batching workers, unban, and
// the status probe.
type Enforcer struct {
	runner Runner

	mu       sync.Mutex
	backends map[string]Backend // successful probes only
	ensured  map[string]bool    // nodes that passed rule verification
	workers  map[string]*nodeWorker
}

func NewEnforcer(runner Runner) *Enforcer {
	return &Enforcer{
		runner:   runner,
		backends: make(map[string]Backend),
		ensured:  make(map[string]bool),
		workers:  make(map[string]*nodeWorker),
	}
}

// backendFor returns the node's cached backend, probing on first use.
// Probe failures are not cached, so the next call retries.
func (e *Enforcer) backendFor(ctx context.Context, node sshx.Node) (Backend, error) {
	e.mu.Lock()
	if b, ok := e.backends[node.Name]; ok {
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	b, err := detectBackend(ctx, e.runner, node)
	if err != nil {
		return BackendNone, err
	}
	e.mu.Lock()
	e.backends[node.Name] = b
	e.mu.Unlock()
	if b == BackendNone {
		slog.Warn("no firewall backend on node, enforcement disabled", "node", node.Name)
	} else {
		slog.Info("firewall backend detected", "node", node.Name, "backend", b)
	}
	return b, nil
}

// EnsureRules idempotently installs the timed sets and drop rules on node
// and verifies they took. Verification failure triggers one remediation
// retry; a node that still fails is not marked ensured, so the next call
// starts from scratch.
func (e *Enforcer) EnsureRules(ctx context.Context, node sshx.Node) error {
	e.mu.Lock()
	if e.ensured[node.Name] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return fmt.Errorf("ensure rules on %s: %w", node.Name, err)
	}
	if backend == BackendNone {
		return fmt.Errorf("ensure rules on %s: no firewall backend available", node.Name)
	}

	ensure, verify := iptablesEnsureScript, iptablesVerifyScript
	if backend == BackendNftables {
		ensure, verify = nftablesEnsureScript, nftablesVerifyScript
	}

	for attempt := 0; attempt < 2; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		rc, out, err := e.runner.Run(runCtx, node, ensure)
		cancel()
		if err != nil || rc != 0 {
			metricEnsureFailures.WithLabelValues(node.Name).Inc()
			if attempt == 1 {
				return fmt.Errorf("ensure rules on %s: rc=%d out=%s err=%w", node.Name, rc, firstLine(out), err)
			}
			continue
		}

		verifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, vout, verr := e.runner.Run(verifyCtx, node, verify)
		cancel()
		if verr == nil && verified(string(vout)) {
			e.mu.Lock()
			e.ensured[node.Name] = true
			e.mu.Unlock()
			slog.Info("ensured firewall", "node", node.Name, "backend", backend)
			return nil
		}
		metricEnsureFailures.WithLabelValues(node.Name).Inc()
		slog.Warn("firewall verification failed, remediating", "node", node.Name, "attempt", attempt+1)
	}
	return fmt.Errorf("ensure rules on %s: verification failed after remediation", node.Name)
}

// verified checks the fixture tokens of the verify scripts. The v6 set is
// advisory (ip6tables may be absent on v4-only nodes).
func verified(out string) bool {
	return strings.Contains(out, "set4_present") && strings.Contains(out, "rules4_present")
}

// ForceEnsure drops the cached ensurance flag and re-runs EnsureRules.
func (e *Enforcer) ForceEnsure(ctx context.Context, node sshx.Node) error {
	e.mu.Lock()
	delete(e.ensured, node.Name)
	e.mu.Unlock()
	return e.EnsureRules(ctx, node)
}

// StartWorker eagerly starts node's batching worker; repeated calls are
// no-ops. The worker stops when ctx is cancelled.
func (e *Enforcer) StartWorker(ctx context.Context, node sshx.Node) {
	w := e.workerFor(node)
	w.start(ctx)
}

func (e *Enforcer) workerFor(node sshx.Node) *nodeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[node.Name]
	if !ok {
		w = newNodeWorker(node, e)
		e.workers[node.Name] = w
	}
	return w
}

// ScheduleBan enqueues addr into node's pending-ban slot. Returns false
// only when the slot is full and addr is not already pending.
func (e *Enforcer) ScheduleBan(node sshx.Node, addr netip.Addr, ttl time.Duration) bool {
	return e.workerFor(node).schedule(addr, ttl)
}

// BanNow inserts addr synchronously and confirms membership, for
// single-shot callers that need a definitive answer.
func (e *Enforcer) BanNow(ctx context.Context, node sshx.Node, addr netip.Addr, ttl time.Duration) (bool, error) {
	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return false, err
	}
	batch := []pendingBan{{addr: addr, ttl: ttl}}
	cmd := iptablesBatchCommand(batch)
	test := iptablesTestCommand(addr)
	if backend == BackendNftables {
		cmd = nftablesBatchCommand(batch)
		test = nftablesTestCommand(addr)
	} else if backend == BackendNone {
		return false, fmt.Errorf("ban on %s: no firewall backend", node.Name)
	}
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if rc, out, err := e.runner.Run(runCtx, node, cmd); err != nil || rc != 0 {
		return false, fmt.Errorf("ban %s on %s: rc=%d out=%s err=%w", addr, node.Name, rc, firstLine(out), err)
	}
	rc, _, _ := e.runner.Run(runCtx, node, test)
	return rc == 0, nil
}

// Unban best-effort removes addr from node's set and flushes its conntrack
// entries. Absent sets and elements are not errors.
func (e *Enforcer) Unban(ctx context.Context, node sshx.Node, addr netip.Addr) error {
	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return err
	}
	if backend == BackendNone {
		return nil
	}
	cmd := iptablesUnbanCommand(addr)
	if backend == BackendNftables {
		cmd = nftablesUnbanCommand(addr)
	}
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if rc, out, err := e.runner.Run(runCtx, node, cmd); err != nil || rc != 0 {
		return fmt.Errorf("unban %s on %s: rc=%d out=%s err=%w", addr, node.Name, rc, firstLine(out), err)
	}
	return nil
}

// FlushSets empties both address sets on node (bulk unban).
func (e *Enforcer) FlushSets(ctx context.Context, node sshx.Node) error {
	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return err
	}
	if backend == BackendNone {
		return nil
	}
	cmd := iptablesFlushSetsCommand
	if backend == BackendNftables {
		cmd = nftablesFlushSetsCommand
	}
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if rc, out, err := e.runner.Run(runCtx, node, cmd); err != nil || rc != 0 {
		return fmt.Errorf("flush sets on %s: rc=%d out=%s err=%w", node.Name, rc, firstLine(out), err)
	}
	return nil
}

// TestBanned reports whether addr is currently in node's kernel set.
func (e *Enforcer) TestBanned(ctx context.Context, node sshx.Node, addr netip.Addr) (bool, error) {
	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return false, err
	}
	if backend == BackendNone {
		return false, nil
	}
	cmd := iptablesTestCommand(addr)
	if backend == BackendNftables {
		cmd = nftablesTestCommand(addr)
	}
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	rc, _, _ := e.runner.Run(runCtx, node, cmd)
	return rc == 0, nil
}

// Probe returns node's current firewall status.
func (e *Enforcer) Probe(ctx context.Context, node sshx.Node) (Status, error) {
	backend, err := e.backendFor(ctx, node)
	if err != nil {
		return Status{}, err
	}
	st := Status{Backend: backend}
	e.mu.Lock()
	st.Ensured = e.ensured[node.Name]
	e.mu.Unlock()
	if backend == BackendNone {
		return st, nil
	}

	script := iptablesStatusScript
	if backend == BackendNftables {
		script = nftablesStatusScript
	}
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, out, err := e.runner.Run(runCtx, node, script)
	if err != nil {
		return st, fmt.Errorf("status probe on %s: %w", node.Name, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "set4=yes":
			st.SetV4 = true
		case line == "set6=yes":
			st.SetV6 = true
		case strings.HasPrefix(line, "chain="):
			st.Chains = append(st.Chains, strings.TrimPrefix(line, "chain="))
		}
	}
	return st, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
