// Package orchestrator boots the guardian: verifies the state store, heals
// the fleet's firewalls, spawns one watcher per node, and exposes the
// fleet-wide operations the control planes (Telegram and HTTP) call into.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/config"
	"github.com/alisamani1378/m1m-guardian/internal/firewall"
	"github.com/alisamani1378/m1m-guardian/internal/sshx"
	"github.com/alisamani1378/m1m-guardian/internal/store"
	"github.com/alisamani1378/m1m-guardian/internal/stream"
	"github.com/alisamani1378/m1m-guardian/internal/watcher"
)

// Store is the slice of the session store the orchestrator needs, on top
// of what every watcher consumes.
type Store interface {
	watcher.SlotStore
	Ping(ctx context.Context) error
	ListActive(ctx context.Context, limit int) ([]store.ActiveSlot, error)
	ListBanned(ctx context.Context, limit int) ([]store.BannedEntry, error)
	UnmarkBanned(ctx context.Context, addr string) error
	UnmarkAllBanned(ctx context.Context) (int, error)
}

// Enforcer is the slice of the firewall enforcer the orchestrator needs.
type Enforcer interface {
	watcher.Enforcer
	Probe(ctx context.Context, node sshx.Node) (firewall.Status, error)
	ForceEnsure(ctx context.Context, node sshx.Node) error
	Unban(ctx context.Context, node sshx.Node, addr netip.Addr) error
	FlushSets(ctx context.Context, node sshx.Node) error
}

// Notifier is the operator channel; satisfied by notify.Telegram.
type Notifier interface {
	Notify(text string)
	NotifyWithUnban(text string, addr netip.Addr)
}

// Runner is the remote session primitive shared by every component.
type Runner interface {
	stream.Runner
}

type Orchestrator struct {
	cfg      *config.Config
	nodes    []sshx.Node
	store    Store
	enforcer Enforcer
	runner   Runner
	notifier Notifier
}

func New(cfg *config.Config, st Store, enf Enforcer, runner Runner, notifier Notifier) *Orchestrator {
	nodes := make([]sshx.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		nodes = append(nodes, sshx.Node{
			Name:            nc.Name,
			Host:            nc.Host,
			Port:            nc.SSHPort,
			User:            nc.SSHUser,
			DockerContainer: nc.DockerContainer,
			KeyPath:         nc.SSHKey,
			Password:        nc.SSHPass,
		})
	}
	return &Orchestrator{
		cfg:      cfg,
		nodes:    nodes,
		store:    st,
		enforcer: enf,
		runner:   runner,
		notifier: notifier,
	}
}

// Nodes returns the fleet descriptors in config order.
func (o *Orchestrator) Nodes() []sshx.Node {
	return o.nodes
}

// Run boots the guardian and blocks until ctx is cancelled. An unreachable
// state store is fatal: without it every log line would look like a first
// connection.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	slog.Info("state store reachable", "nodes", len(o.nodes))

	summary := o.healFleet(ctx)
	o.notifier.Notify(summary)

	banTTL := time.Duration(o.cfg.BanMinutes) * time.Minute
	var wg sync.WaitGroup
	for _, node := range o.nodes {
		w := watcher.New(watcher.Config{
			Node:     node,
			Fleet:    o.nodes,
			Limits:   o.cfg.InboundsLimit,
			BanTTL:   banTTL,
			Store:    o.store,
			Enforcer: o.enforcer,
			Runner:   o.runner,
			Notifier: o.notifier,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// healFleet probes every node's firewall concurrently, ensures rules where
// they are missing, and returns a one-message fleet summary.
func (o *Orchestrator) healFleet(ctx context.Context) string {
	type result struct {
		node   string
		status firewall.Status
		err    error
	}
	results := make([]result, len(o.nodes))

	var wg sync.WaitGroup
	for i, node := range o.nodes {
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := o.enforcer.Probe(ctx, node)
			if err == nil && !st.Healthy() {
				if eerr := o.enforcer.EnsureRules(ctx, node); eerr != nil {
					err = eerr
				} else {
					st, err = o.enforcer.Probe(ctx, node)
				}
			}
			results[i] = result{node: node.Name, status: st, err: err}
		}()
	}
	wg.Wait()

	var sb strings.Builder
	sb.WriteString("🛡 guardian up\n")
	for _, r := range results {
		switch {
		case r.err != nil:
			fmt.Fprintf(&sb, "❌ %s: %v\n", r.node, r.err)
		case r.status.Healthy():
			fmt.Fprintf(&sb, "✅ %s: %s ready\n", r.node, r.status.Backend)
		default:
			fmt.Fprintf(&sb, "⚠️ %s: firewall not ready (%s)\n", r.node, r.status.Backend)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FleetFirewallStatus probes every node concurrently.
func (o *Orchestrator) FleetFirewallStatus(ctx context.Context) map[string]firewall.Status {
	out := make(map[string]firewall.Status, len(o.nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range o.nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := o.enforcer.Probe(ctx, node)
			if err != nil {
				slog.Warn("fleet status probe failed", "node", node.Name, "err", err)
			}
			mu.Lock()
			out[node.Name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// ForceEnsureFleet re-runs rule ensurance on every node, dropping cached
// ensurance flags first.
func (o *Orchestrator) ForceEnsureFleet(ctx context.Context) map[string]error {
	out := make(map[string]error, len(o.nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range o.nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.enforcer.ForceEnsure(ctx, node)
			mu.Lock()
			out[node.Name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// UnbanFleet clears addr's recent-ban marker and removes it from every
// node's kernel set. Per-node failures are collected, not short-circuited.
func (o *Orchestrator) UnbanFleet(ctx context.Context, addr netip.Addr) error {
	if err := o.store.UnmarkBanned(ctx, addr.String()); err != nil {
		slog.Warn("unmark banned failed", "addr", addr, "err", err)
	}
	var errs []string
	for _, node := range o.nodes {
		if err := o.enforcer.Unban(ctx, node, addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", node.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("unban %s: %s", addr, strings.Join(errs, "; "))
	}
	return nil
}

// ClearAllBans clears every recent-ban marker and flushes the kernel sets
// on every node.
func (o *Orchestrator) ClearAllBans(ctx context.Context) (int, error) {
	cleared, err := o.store.UnmarkAllBanned(ctx)
	if err != nil {
		slog.Warn("clearing ban markers failed", "err", err)
	}
	var errs []string
	for _, node := range o.nodes {
		if ferr := o.enforcer.FlushSets(ctx, node); ferr != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", node.Name, ferr))
		}
	}
	if len(errs) > 0 {
		return cleared, fmt.Errorf("flush sets: %s", strings.Join(errs, "; "))
	}
	return cleared, nil
}

// RebootNode issues a best-effort reboot on the named node.
func (o *Orchestrator) RebootNode(ctx context.Context, name string) error {
	for _, node := range o.nodes {
		if node.Name != name {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		// The connection usually dies mid-command; that is success.
		_, _, err := o.runner.Run(ctx, node, "reboot")
		if err != nil && sshx.KindOf(err) == sshx.KindCommandFailed {
			return fmt.Errorf("reboot %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("unknown node %q", name)
}

func sortedNames(m map[string]firewall.Status) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
