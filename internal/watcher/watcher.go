// Package watcher composes the log stream, the parser, the session store
// and the firewall enforcer into the per-node detection loop: consume log
// lines, apply the per-inbound address limit, and translate evictions into
// fleet-wide timed bans.
package watcher

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/logparse"
	"github.com/alisamani1378/m1m-guardian/internal/sshx"
	"github.com/alisamani1378/m1m-guardian/internal/stream"
)

// State is the watcher's connection state for one node.
type State int

const (
	StateStarting State = iota
	StateAttached
	StateAbusing
	StateDetached
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateAbusing:
		return "abusing"
	case StateDetached:
		return "detached"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "starting"
	}
}

// SlotStore is the slice of the session store the watcher needs.
type SlotStore interface {
	AddAddress(ctx context.Context, inbound, user, addr string, limit int) ([]string, bool)
	IsBannedRecently(ctx context.Context, addr string) bool
	MarkBanned(ctx context.Context, addr string, ttl time.Duration) error
}

// Enforcer is the slice of the firewall enforcer the watcher needs.
type Enforcer interface {
	EnsureRules(ctx context.Context, node sshx.Node) error
	ScheduleBan(node sshx.Node, addr netip.Addr, ttl time.Duration) bool
	StartWorker(ctx context.Context, node sshx.Node)
}

// Notifier delivers operator messages. Implementations are best-effort and
// must never block the caller for long.
type Notifier interface {
	Notify(text string)
	NotifyWithUnban(text string, addr netip.Addr)
}

// Watcher runs the detection loop for one node. Evictions fan out to every
// node in the fleet, including the one the line came from.
type Watcher struct {
	node   sshx.Node
	fleet  []sshx.Node
	limits map[string]int
	banTTL time.Duration

	store    SlotStore
	enforcer Enforcer
	sup      *stream.Supervisor
	esc      *stream.RebootEscalator
	batcher  *banBatcher

	state State
}

type Config struct {
	Node     sshx.Node
	Fleet    []sshx.Node
	Limits   map[string]int // inbound label -> concurrent address limit
	BanTTL   time.Duration
	Store    SlotStore
	Enforcer Enforcer
	Runner   stream.Runner
	Notifier Notifier
}

func New(cfg Config) *Watcher {
	return &Watcher{
		node:     cfg.Node,
		fleet:    cfg.Fleet,
		limits:   cfg.Limits,
		banTTL:   cfg.BanTTL,
		store:    cfg.Store,
		enforcer: cfg.Enforcer,
		sup:      stream.NewSupervisor(cfg.Node, cfg.Runner),
		esc:      stream.NewRebootEscalator(cfg.Node, cfg.Runner, cfg.Notifier.Notify),
		batcher:  newBanBatcher(cfg.Notifier),
	}
}

// Run drives the watcher until ctx is cancelled. Firewall workers for the
// whole fleet start eagerly so the first eviction pays no startup cost.
func (w *Watcher) Run(ctx context.Context) {
	for _, node := range w.fleet {
		w.enforcer.StartWorker(ctx, node)
	}
	go w.batcher.run(ctx)
	go w.sup.Run(ctx)

	slog.Info("watcher starting", "node", w.node.Name)
	for ev := range w.sup.Events() {
		w.handle(ctx, ev)
	}
	slog.Info("watcher stopped", "node", w.node.Name)
}

func (w *Watcher) handle(ctx context.Context, ev stream.Event) {
	switch ev.Kind {
	case stream.EventLogLine:
		w.handleLine(ctx, ev.Line)
	case stream.EventFollow:
		if w.state != StateAttached {
			w.setState(StateAttached)
			w.batcher.notifier.Notify("✅ attached to xray log on " + w.node.Name)
		}
	case stream.EventAttach:
		slog.Info("attaching to container", "node", w.node.Name, "container", ev.Container)
	case stream.EventNoContainer, stream.EventNoDocker:
		w.setState(StateDetached)
		slog.Warn("log stream unavailable", "node", w.node.Name, "reason", ev.Kind)
	case stream.EventNoXrayProcess:
		w.setState(StateDetached)
		slog.Warn("xray process not found", "node", w.node.Name)
	case stream.EventFDUnreadable:
		w.setState(StateDetached)
		w.esc.ObserveFDUnreadable(ctx)
	case stream.EventStreamExit:
		w.setState(StateReconnecting)
		slog.Warn("log stream exited", "node", w.node.Name, "rc", ev.RC)
	}
}

func (w *Watcher) setState(s State) {
	if w.state == s {
		return
	}
	slog.Debug("watcher state", "node", w.node.Name, "from", w.state, "to", s)
	w.state = s
}

// handleLine is the per-line hot path: fast-reject, parse, limit lookup,
// slot update, eviction fan-out.
func (w *Watcher) handleLine(ctx context.Context, line string) {
	if !logparse.Interesting(line) {
		return
	}
	ev, ok := logparse.Parse(line)
	if !ok {
		return
	}
	// Only explicitly configured inbounds are enforced.
	limit, ok := w.limits[ev.Inbound]
	if !ok {
		return
	}

	evicted, _ := w.store.AddAddress(ctx, ev.Inbound, ev.User, ev.Addr.String(), limit)
	for _, raw := range evicted {
		// An eviction matching the line's own address would ban the user's
		// current connection; skip it and let the slot churn settle.
		if raw == ev.Addr.String() {
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			slog.Warn("unparseable address in slot, dropping", "addr", raw, "user", ev.User)
			continue
		}
		if w.store.IsBannedRecently(ctx, raw) {
			continue
		}
		w.banFleetWide(ctx, ev, addr)
	}
}

func (w *Watcher) banFleetWide(ctx context.Context, ev logparse.Event, addr netip.Addr) {
	w.setState(StateAbusing)
	defer w.setState(StateAttached)

	scheduled := 0
	for _, node := range w.fleet {
		if err := w.enforcer.EnsureRules(ctx, node); err != nil {
			slog.Warn("ensure rules failed", "node", node.Name, "err", err)
		}
		if w.enforcer.ScheduleBan(node, addr, w.banTTL) {
			scheduled++
		}
	}
	if err := w.store.MarkBanned(ctx, addr.String(), w.banTTL); err != nil {
		slog.Warn("mark banned failed", "addr", addr, "err", err)
	}
	slog.Info("evicted address banned", "node", w.node.Name, "user", ev.User,
		"inbound", ev.Inbound, "addr", addr, "nodes", scheduled, "ttl", w.banTTL)

	w.batcher.add(BanEvent{
		User:    ev.User,
		Inbound: ev.Inbound,
		Addr:    addr,
		Nodes:   scheduled,
		TTL:     w.banTTL,
	})
}
