package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

func fastSupervisor(node sshx.Node, runner Runner) *Supervisor {
	s := NewSupervisor(node, runner)
	s.relaunchDelay = time.Millisecond
	s.maxBackoff = 5 * time.Millisecond
	s.shortUptime = 50 * time.Millisecond
	return s
}

func TestSupervisor_EmitsClassifiedEvents(t *testing.T) {
	var streams atomic.Int32
	runner := &fakeRunner{
		runRC:  0,
		runOut: ProbeToken + "\n",
		streamFn: func(ctx context.Context) (<-chan string, func(), error) {
			streams.Add(1)
			ch := make(chan string, 4)
			ch <- "guardian: attach container=marzban-node"
			ch <- "guardian: follow pid=42"
			ch <- "from tcp:203.0.113.5:1 accepted tcp:x:443 [VIP] email: 1.a"
			close(ch)
			return ch, func() {}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := fastSupervisor(sshx.Node{Name: "de1", DockerContainer: "marzban-node"}, runner)
	go sup.Run(ctx)

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sup.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, EventAttach, got[0].Kind)
	assert.Equal(t, EventFollow, got[1].Kind)
	assert.Equal(t, 42, got[1].PID)
	assert.Equal(t, EventLogLine, got[2].Kind)
	cancel()
}

func TestSupervisor_ProbesAfterShortLivedStream(t *testing.T) {
	// Streams die immediately, so each relaunch after the first must be
	// preceded by the connectivity probe.
	runner := &fakeRunner{runRC: 0, runOut: ProbeToken}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := fastSupervisor(sshx.Node{Name: "de1"}, runner)
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	// Drain events in the background so the loop never blocks.
	go func() {
		for range sup.Events() {
		}
	}()

	require.Eventually(t, func() bool {
		for _, c := range runner.commands() {
			if c == ProbeCommand {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestSupervisor_BackoffOnFailedProbe(t *testing.T) {
	// Probe fails: the supervisor must keep retrying without ever
	// launching a second stream.
	var streams atomic.Int32
	runner := &fakeRunner{
		runRC: 255,
		streamFn: func(ctx context.Context) (<-chan string, func(), error) {
			streams.Add(1)
			ch := make(chan string)
			close(ch)
			return ch, func() {}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup := fastSupervisor(sshx.Node{Name: "de1"}, runner)
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()
	go func() {
		for range sup.Events() {
		}
	}()

	require.Eventually(t, func() bool {
		return len(runner.commands()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	// One initial stream, then only probes.
	assert.Equal(t, int32(1), streams.Load())

	cancel()
	<-done
}
