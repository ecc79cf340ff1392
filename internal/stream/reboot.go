package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

const (
	fdUnreadableThreshold = 10
	fdUnreadableWindow    = 10 * time.Minute
	rebootGrace           = 60 * time.Second
	rebootCooldown        = 20 * time.Minute
)

// RebootEscalator turns a persistent fd_unreadable condition into one
// best-effort node reboot: ten sentinels inside a rolling ten-minute window
// open a sixty-second grace period, and if the condition survives the grace
// and no automatic reboot happened in the last twenty minutes, the node is
// rebooted and all counters reset.
type RebootEscalator struct {
	node   sshx.Node
	runner Runner
	notify func(string)

	mu         sync.Mutex
	seen       []time.Time
	graceStart time.Time
	lastReboot time.Time
	now        func() time.Time
}

func NewRebootEscalator(node sshx.Node, runner Runner, notify func(string)) *RebootEscalator {
	if notify == nil {
		notify = func(string) {}
	}
	return &RebootEscalator{node: node, runner: runner, notify: notify, now: time.Now}
}

// ObserveFDUnreadable records one fd_unreadable sentinel and reboots the
// node when the escalation condition is met. Returns true when a reboot
// command was issued.
func (e *RebootEscalator) ObserveFDUnreadable(ctx context.Context) bool {
	e.mu.Lock()
	now := e.now()
	e.seen = append(e.seen, now)
	e.prune(now)

	if len(e.seen) < fdUnreadableThreshold {
		e.graceStart = time.Time{}
		e.mu.Unlock()
		return false
	}
	if e.graceStart.IsZero() {
		e.graceStart = now
		e.mu.Unlock()
		slog.Warn("fd_unreadable persists, reboot grace started",
			"node", e.node.Name, "grace", rebootGrace)
		e.notify("node " + e.node.Name + ": xray output unreadable, automatic reboot in 60s unless it recovers")
		return false
	}
	if now.Sub(e.graceStart) < rebootGrace {
		e.mu.Unlock()
		return false
	}
	if !e.lastReboot.IsZero() && now.Sub(e.lastReboot) < rebootCooldown {
		e.mu.Unlock()
		return false
	}
	e.lastReboot = now
	e.seen = nil
	e.graceStart = time.Time{}
	e.mu.Unlock()

	slog.Warn("issuing automatic node reboot", "node", e.node.Name)
	e.notify("node " + e.node.Name + ": rebooting (persistent unreadable xray output)")
	rebootCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	// Best effort: the connection usually dies mid-command.
	if _, _, err := e.runner.Run(rebootCtx, e.node, "reboot"); err != nil {
		slog.Warn("reboot command returned error (expected if connection dropped)",
			"node", e.node.Name, "err", err)
	}
	return true
}

func (e *RebootEscalator) prune(now time.Time) {
	cut := now.Add(-fdUnreadableWindow)
	i := 0
	for ; i < len(e.seen); i++ {
		if e.seen[i].After(cut) {
			break
		}
	}
	e.seen = e.seen[i:]
}
