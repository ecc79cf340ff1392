package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeControl) record(s string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
	return "ok: " + s
}

func (c *fakeControl) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeControl) StatusSummary(context.Context) string { return c.record("status") }
func (c *fakeControl) Sessions(context.Context) string      { return c.record("sessions") }
func (c *fakeControl) Banned(_ context.Context, page int) string {
	return c.record(fmt.Sprintf("banned:%d", page))
}
func (c *fakeControl) Unban(_ context.Context, addr netip.Addr) string {
	return c.record("unban:" + addr.String())
}
func (c *fakeControl) UnbanAll(context.Context) string    { return c.record("unban_all") }
func (c *fakeControl) FixFirewall(context.Context) string { return c.record("fix_firewall") }
func (c *fakeControl) Reboot(_ context.Context, node string) string {
	return c.record("reboot:" + node)
}

// pollServer fakes getUpdates (drains a queue once) plus sendMessage.
type pollServer struct {
	mu      sync.Mutex
	updates []tgUpdate
	served  bool
	replies []sendMessageReq
	srv     *httptest.Server
}

func newPollServer(t *testing.T, updates ...tgUpdate) *pollServer {
	p := &pollServer{updates: updates}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			p.mu.Lock()
			var batch []tgUpdate
			if !p.served {
				batch = p.updates
				p.served = true
			}
			p.mu.Unlock()
			json.NewEncoder(w).Encode(tgUpdatesResp{OK: true, Result: batch})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var req sendMessageReq
			json.NewDecoder(r.Body).Decode(&req)
			p.mu.Lock()
			p.replies = append(p.replies, req)
			p.mu.Unlock()
			w.Write([]byte(`{"ok":true}`))
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pollServer) sentReplies() []sendMessageReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sendMessageReq(nil), p.replies...)
}

func commandUpdate(id, from int64, text string) tgUpdate {
	return tgUpdate{
		UpdateID: id,
		Message:  &tgMessage{Chat: tgChat{ID: from}, From: tgUser{ID: from}, Text: text},
	}
}

func runPoller(t *testing.T, srv *pollServer, control *fakeControl, admins []int64) (string, func()) {
	offsetPath := filepath.Join(t.TempDir(), "offset")
	tg := NewTelegram("TOKEN", "1000", nil)
	tg.apiBase = srv.srv.URL
	p := NewPoller(tg, control, admins, offsetPath)
	p.client = srv.srv.Client()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return offsetPath, func() {
		cancel()
		<-done
	}
}

func TestPoller_DispatchesAdminCommands(t *testing.T) {
	srv := newPollServer(t,
		commandUpdate(7, 42, "/status"),
		commandUpdate(8, 42, "/banned 2"),
		commandUpdate(9, 42, "/unban 203.0.113.7"),
		commandUpdate(10, 42, "/reboot de1"),
	)
	control := &fakeControl{}
	offsetPath, stop := runPoller(t, srv, control, []int64{42})
	defer stop()

	require.Eventually(t, func() bool {
		return len(control.recorded()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"status", "banned:2", "unban:203.0.113.7", "reboot:de1"}, control.recorded())

	// Offset persisted past the last processed update.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(offsetPath)
		return err == nil && strings.TrimSpace(string(data)) == "11"
	}, 2*time.Second, 10*time.Millisecond)

	replies := srv.sentReplies()
	require.Len(t, replies, 4)
	assert.Equal(t, "ok: status", replies[0].Text)
}

func TestPoller_IgnoresNonAdmins(t *testing.T) {
	srv := newPollServer(t,
		commandUpdate(7, 99, "/unban_all"),
		commandUpdate(8, 42, "/status"),
	)
	control := &fakeControl{}
	_, stop := runPoller(t, srv, control, []int64{42})
	defer stop()

	require.Eventually(t, func() bool {
		return len(control.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"status"}, control.recorded())
}

func TestPoller_UnbanUsageOnBadAddress(t *testing.T) {
	srv := newPollServer(t, commandUpdate(7, 42, "/unban not-an-ip"))
	control := &fakeControl{}
	_, stop := runPoller(t, srv, control, []int64{42})
	defer stop()

	require.Eventually(t, func() bool {
		return len(srv.sentReplies()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.sentReplies()[0].Text, "usage: /unban")
	assert.Empty(t, control.recorded())
}

func TestPoller_CallbackUnbansAndAnswers(t *testing.T) {
	srv := newPollServer(t, tgUpdate{
		UpdateID: 12,
		Callback: &tgCallback{
			ID:      "cb1",
			From:    tgUser{ID: 42},
			Message: &tgMessage{Chat: tgChat{ID: 1000}},
			Data:    "unban:203.0.113.7",
		},
	})
	control := &fakeControl{}
	_, stop := runPoller(t, srv, control, []int64{42})
	defer stop()

	require.Eventually(t, func() bool {
		return len(control.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"unban:203.0.113.7"}, control.recorded())
	require.Eventually(t, func() bool {
		return len(srv.sentReplies()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok: unban:203.0.113.7", srv.sentReplies()[0].Text)
}

func TestPoller_OffsetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offset")
	p := NewPoller(NewTelegram("TOKEN", "1", nil), &fakeControl{}, nil, path)
	p.offset = 1234
	p.saveOffset()
	assert.Equal(t, int64(1234), p.loadOffset())

	missing := NewPoller(NewTelegram("TOKEN", "1", nil), &fakeControl{}, nil, filepath.Join(t.TempDir(), "nope"))
	assert.Zero(t, missing.loadOffset())
}

func TestCommandHelpForUnknown(t *testing.T) {
	srv := newPollServer(t, commandUpdate(7, 42, "/help"))
	control := &fakeControl{}
	_, stop := runPoller(t, srv, control, []int64{42})
	defer stop()

	require.Eventually(t, func() bool {
		return len(srv.sentReplies()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.sentReplies()[0].Text, "/fix_firewall")
}
