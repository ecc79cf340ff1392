package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

// Runner is the slice of the remote session primitive the supervisor needs.
type Runner interface {
	Run(ctx context.Context, node sshx.Node, cmd string) (int, []byte, error)
	Stream(ctx context.Context, node sshx.Node, cmd string) (<-chan string, func(), error)
}

const (
	relaunchDelay   = 4 * time.Second
	shortUptime     = 10 * time.Second
	maxProbeBackoff = 30 * time.Second
)

// Supervisor maintains the attach loop for one node and emits classified
// events on its output channel. It never gives up: persistent failures are
// probed and retried with capped exponential backoff forever.
type Supervisor struct {
	node   sshx.Node
	runner Runner
	events chan Event

	// shrunk by tests
	relaunchDelay time.Duration
	maxBackoff    time.Duration
	shortUptime   time.Duration
}

func NewSupervisor(node sshx.Node, runner Runner) *Supervisor {
	return &Supervisor{
		node:          node,
		runner:        runner,
		events:        make(chan Event, 512),
		relaunchDelay: relaunchDelay,
		maxBackoff:    maxProbeBackoff,
		shortUptime:   shortUptime,
	}
}

// Events is the supervisor's output. It is closed when Run returns.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Run drives the outer attach loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.events)

	failStreak := 0
	backoff := time.Second
	for ctx.Err() == nil {
		if failStreak > 0 {
			if !s.probe(ctx) {
				slog.Warn("ssh basic check failed", "node", s.node.Name, "backoff", backoff)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, s.maxBackoff)
				continue
			}
			backoff = time.Second
		}

		start := time.Now()
		lines, cancel, err := s.runner.Stream(ctx, s.node, AttachCommand(s.node.DockerContainer))
		if err != nil {
			failStreak++
			slog.Error("spawn ssh failed", "node", s.node.Name, "kind", sshx.KindOf(err), "err", err)
			if !sleepCtx(ctx, s.relaunchDelay) {
				return
			}
			continue
		}

		for line := range lines {
			ev := Classify(line)
			select {
			case s.events <- ev:
			case <-ctx.Done():
				cancel()
				return
			}
		}
		cancel()

		if time.Since(start) < s.shortUptime {
			failStreak++
		} else {
			failStreak = 0
		}
		slog.Warn("log stream wrapper ended", "node", s.node.Name,
			"uptime", time.Since(start).Round(time.Second), "fail_streak", failStreak)
		if !sleepCtx(ctx, s.relaunchDelay) {
			return
		}
	}
}

// probe runs the echo sentinel to tell connectivity failures apart from
// in-container problems before paying for a full attach attempt.
func (s *Supervisor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	rc, out, err := s.runner.Run(probeCtx, s.node, ProbeCommand)
	if err != nil || rc != 0 {
		return false
	}
	return strings.Contains(string(out), ProbeToken)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
