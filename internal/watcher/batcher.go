package watcher

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	batchWindow    = 5 * time.Second
	batchMaxEvents = 10
)

// BanEvent is one eviction turned into a fleet-wide ban.
type BanEvent struct {
	User    string
	Inbound string
	Addr    netip.Addr
	Nodes   int
	TTL     time.Duration
}

// banBatcher coalesces bursty ban events into single operator messages:
// a batch flushes after 5 seconds or at 10 events, whichever comes first.
// Every event appears in the flushed message; only granularity is traded.
type banBatcher struct {
	notifier Notifier
	events   chan BanEvent

	// shrunk by tests
	window time.Duration
	max    int
}

func newBanBatcher(notifier Notifier) *banBatcher {
	return &banBatcher{
		notifier: notifier,
		events:   make(chan BanEvent, 64),
		window:   batchWindow,
		max:      batchMaxEvents,
	}
}

// add never blocks the hot path; a full buffer drops the notification, not
// the ban.
func (b *banBatcher) add(ev BanEvent) {
	select {
	case b.events <- ev:
	default:
	}
}

func (b *banBatcher) run(ctx context.Context) {
	var buf []BanEvent
	timer := time.NewTimer(b.window)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			if len(buf) > 0 {
				b.flush(buf)
			}
			return
		case ev := <-b.events:
			buf = append(buf, ev)
			if len(buf) == 1 {
				timer.Reset(b.window)
			}
			if len(buf) >= b.max {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				b.flush(buf)
				buf = nil
			}
		case <-timer.C:
			if len(buf) > 0 {
				b.flush(buf)
				buf = nil
			}
		}
	}
}

func (b *banBatcher) flush(buf []BanEvent) {
	if len(buf) == 1 {
		ev := buf[0]
		b.notifier.NotifyWithUnban(formatBan(ev), ev.Addr)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚫 %d addresses banned:\n", len(buf))
	for _, ev := range buf {
		sb.WriteString(formatBan(ev))
		sb.WriteString("\n")
	}
	b.notifier.Notify(strings.TrimRight(sb.String(), "\n"))
}

func formatBan(ev BanEvent) string {
	return fmt.Sprintf("🚫 %s banned %s for user %s (%s) on %d node(s)",
		ev.Addr, ev.TTL.Round(time.Second), displayUser(ev.User), ev.Inbound, ev.Nodes)
}

// displayUser drops the numeric panel-id prefix ("42.alice" reads as
// "alice") for operator messages; raw identity keeps the full string.
func displayUser(user string) string {
	if prefix, rest, ok := strings.Cut(user, "."); ok && rest != "" {
		allDigits := len(prefix) > 0
		for _, r := range prefix {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			return rest
		}
	}
	return user
}
