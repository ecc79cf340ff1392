package watcher

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func banEvent(addr string) BanEvent {
	return BanEvent{
		User:    "42.alice",
		Inbound: "VMESS_TCP",
		Addr:    netip.MustParseAddr(addr),
		Nodes:   3,
		TTL:     10 * time.Minute,
	}
}

func TestBatcher_SingleEventCarriesUnbanAction(t *testing.T) {
	nt := &fakeNotifier{}
	b := newBanBatcher(nt)
	b.window = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.run(ctx)

	b.add(banEvent("203.0.113.1"))
	require.Eventually(t, func() bool { return len(nt.all()) == 1 }, time.Second, 5*time.Millisecond)

	nt.mu.Lock()
	defer nt.mu.Unlock()
	require.Len(t, nt.unbans, 1)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), nt.unbans[0])
	assert.Contains(t, nt.messages[0], "203.0.113.1")
	assert.Contains(t, nt.messages[0], "alice")
	assert.NotContains(t, nt.messages[0], "42.alice")
	assert.Contains(t, nt.messages[0], "VMESS_TCP")
}

func TestBatcher_WindowCoalescesIntoOneMessage(t *testing.T) {
	nt := &fakeNotifier{}
	b := newBanBatcher(nt)
	b.window = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.run(ctx)

	b.add(banEvent("203.0.113.1"))
	b.add(banEvent("203.0.113.2"))
	b.add(banEvent("203.0.113.3"))
	require.Eventually(t, func() bool { return len(nt.all()) == 1 }, time.Second, 5*time.Millisecond)

	nt.mu.Lock()
	defer nt.mu.Unlock()
	assert.Empty(t, nt.unbans, "multi-event messages carry no inline action")
	msg := nt.messages[0]
	assert.Contains(t, msg, "3 addresses banned")
	assert.Contains(t, msg, "203.0.113.1")
	assert.Contains(t, msg, "203.0.113.2")
	assert.Contains(t, msg, "203.0.113.3")
}

func TestBatcher_MaxEventsFlushesEarly(t *testing.T) {
	nt := &fakeNotifier{}
	b := newBanBatcher(nt)
	b.window = time.Hour // only the count can trigger the flush

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.run(ctx)

	for i := 0; i < batchMaxEvents; i++ {
		b.add(banEvent("203.0.113.1"))
	}
	require.Eventually(t, func() bool { return len(nt.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, nt.all()[0], "10 addresses banned")
}

func TestBatcher_FlushesRemainderOnShutdown(t *testing.T) {
	nt := &fakeNotifier{}
	b := newBanBatcher(nt)
	b.window = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()
	b.add(banEvent("203.0.113.1"))
	b.add(banEvent("203.0.113.2"))
	time.Sleep(20 * time.Millisecond) // let run() pick both up
	cancel()
	<-done
	require.Len(t, nt.all(), 1)
	assert.Contains(t, nt.all()[0], "2 addresses banned")
}

func TestDisplayUser(t *testing.T) {
	assert.Equal(t, "alice", displayUser("42.alice"))
	assert.Equal(t, "alice", displayUser("alice"))
	assert.Equal(t, "bob.smith", displayUser("bob.smith"))
	assert.Equal(t, "7.", displayUser("7."))
	assert.Equal(t, "x", displayUser("9.x"))
}
