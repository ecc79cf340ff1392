package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	pollTimeout   = 30 * time.Second
	pollRetryWait = 5 * time.Second
)

// Control is the slice of the orchestrator the command channel drives.
// Every method returns the operator-facing reply text.
type Control interface {
	StatusSummary(ctx context.Context) string
	Sessions(ctx context.Context) string
	Banned(ctx context.Context, page int) string
	Unban(ctx context.Context, addr netip.Addr) string
	UnbanAll(ctx context.Context) string
	FixFirewall(ctx context.Context) string
	Reboot(ctx context.Context, node string) string
}

// Poller long-polls the bot for updates and dispatches admin commands. The
// update offset is persisted to disk after each processed update so a
// restart never replays commands.
type Poller struct {
	tg         *Telegram
	control    Control
	admins     map[int64]bool
	offsetPath string
	offset     int64
	client     *http.Client
}

func NewPoller(tg *Telegram, control Control, adminIDs []int64, offsetPath string) *Poller {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Poller{
		tg:         tg,
		control:    control,
		admins:     admins,
		offsetPath: offsetPath,
		client:     &http.Client{Timeout: pollTimeout + sendTimeout},
	}
}

type tgUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *tgMessage  `json:"message"`
	Callback *tgCallback `json:"callback_query"`
}

type tgMessage struct {
	Chat tgChat `json:"chat"`
	From tgUser `json:"from"`
	Text string `json:"text"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID int64 `json:"id"`
}

type tgUpdatesResp struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

// Run polls until ctx is cancelled. A nil control or disabled notifier
// returns immediately.
func (p *Poller) Run(ctx context.Context) {
	if p.control == nil || !p.tg.Enabled() {
		return
	}
	p.offset = p.loadOffset()
	slog.Info("telegram command poller starting", "admins", len(p.admins), "offset", p.offset)

	for ctx.Err() == nil {
		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("telegram poll failed", "err", err)
			sleepCtx(ctx, pollRetryWait)
			continue
		}
		for _, u := range updates {
			p.dispatch(ctx, u)
			p.offset = u.UpdateID + 1
			p.saveOffset()
		}
	}
}

func (p *Poller) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=%d&offset=%d",
		p.tg.apiBase, p.tg.token, int(pollTimeout.Seconds()), p.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("getUpdates status %d", resp.StatusCode)
	}
	var parsed tgUpdatesResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates not ok")
	}
	return parsed.Result, nil
}

func (p *Poller) dispatch(ctx context.Context, u tgUpdate) {
	switch {
	case u.Callback != nil:
		p.handleCallback(ctx, u.Callback)
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		p.handleCommand(ctx, u.Message)
	}
}

// handleCallback services the inline unban button.
func (p *Poller) handleCallback(ctx context.Context, cb *tgCallback) {
	defer p.answerCallback(ctx, cb.ID)
	if !p.admins[cb.From.ID] {
		return
	}
	rest, ok := strings.CutPrefix(cb.Data, "unban:")
	if !ok {
		return
	}
	addr, err := netip.ParseAddr(rest)
	if err != nil {
		return
	}
	reply := p.control.Unban(ctx, addr)
	if cb.Message != nil {
		p.tg.SendTo(cb.Message.Chat.ID, reply)
	}
}

func (p *Poller) handleCommand(ctx context.Context, msg *tgMessage) {
	if !p.admins[msg.From.ID] {
		slog.Warn("telegram command from non-admin", "from", msg.From.ID)
		return
	}
	fields := strings.Fields(msg.Text)
	// Group chats address commands as /cmd@botname.
	cmd, _, _ := strings.Cut(fields[0], "@")
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var reply string
	switch cmd {
	case "/status":
		reply = p.control.StatusSummary(ctx)
	case "/sessions":
		reply = p.control.Sessions(ctx)
	case "/banned":
		page, _ := strconv.Atoi(arg)
		if page < 1 {
			page = 1
		}
		reply = p.control.Banned(ctx, page)
	case "/unban":
		addr, err := netip.ParseAddr(arg)
		if err != nil {
			reply = "usage: /unban <ip>"
			break
		}
		reply = p.control.Unban(ctx, addr)
	case "/unban_all":
		reply = p.control.UnbanAll(ctx)
	case "/fix_firewall":
		reply = p.control.FixFirewall(ctx)
	case "/reboot":
		if arg == "" {
			reply = "usage: /reboot <node>"
			break
		}
		reply = p.control.Reboot(ctx, arg)
	default:
		reply = "commands: /status /sessions /banned [page] /unban <ip> /unban_all /fix_firewall /reboot <node>"
	}
	if reply != "" {
		p.tg.SendTo(msg.Chat.ID, reply)
	}
}

func (p *Poller) answerCallback(ctx context.Context, id string) {
	url := fmt.Sprintf("%s/bot%s/answerCallbackQuery?callback_query_id=%s", p.tg.apiBase, p.tg.token, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func (p *Poller) loadOffset() int64 {
	if p.offsetPath == "" {
		return 0
	}
	data, err := os.ReadFile(p.offsetPath)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (p *Poller) saveOffset() {
	if p.offsetPath == "" {
		return
	}
	if err := os.WriteFile(p.offsetPath, []byte(strconv.FormatInt(p.offset, 10)), 0o644); err != nil {
		slog.Warn("persisting telegram offset failed", "path", p.offsetPath, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
