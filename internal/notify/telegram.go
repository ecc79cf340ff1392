// Package notify delivers operator messages over the Telegram Bot API and
// runs the long-poll command channel for fleet administration. Everything
// here is best-effort: a dead bot never stalls detection or enforcement.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

const (
	defaultAPIBase = "https://api.telegram.org"

	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4000

	sendTimeout = 10 * time.Second
)

// Telegram sends messages to the configured operator chat and any extra
// recipients. Send failures are logged and swallowed.
type Telegram struct {
	token   string
	chatID  string
	extra   []string
	client  *http.Client
	apiBase string // overridden in tests
}

// NewTelegram accepts numeric chat IDs or @channel names; the Bot API takes
// either form.
func NewTelegram(token, chatID string, extra []string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		extra:   extra,
		client:  &http.Client{Timeout: sendTimeout},
		apiBase: defaultAPIBase,
	}
}

// Enabled reports whether a bot token and chat are configured. A disabled
// notifier accepts every call and does nothing.
func (t *Telegram) Enabled() bool {
	return t != nil && t.token != "" && t.chatID != ""
}

// Notify sends text to the operator chat and all extra recipients.
func (t *Telegram) Notify(text string) {
	if !t.Enabled() {
		return
	}
	for _, chat := range t.recipients() {
		t.send(chat, text, nil)
	}
}

// NotifyWithUnban sends text with an inline "unban now" button carrying
// addr in its callback data.
func (t *Telegram) NotifyWithUnban(text string, addr netip.Addr) {
	if !t.Enabled() {
		return
	}
	markup := &inlineKeyboard{
		InlineKeyboard: [][]inlineButton{{
			{Text: "🔓 unban " + addr.String(), CallbackData: "unban:" + addr.String()},
		}},
	}
	t.send(t.chatID, text, markup)
	for _, chat := range t.extra {
		t.send(chat, text, nil)
	}
}

// SendTo replies to an arbitrary chat, for command responses.
func (t *Telegram) SendTo(chatID int64, text string) {
	if !t.Enabled() {
		return
	}
	t.send(strconv.FormatInt(chatID, 10), text, nil)
}

func (t *Telegram) recipients() []string {
	return append([]string{t.chatID}, t.extra...)
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageReq struct {
	ChatID      string          `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

// send posts one sendMessage call. Markdown first; a 400 usually means the
// text breaks Telegram's entity parsing, so it is retried once as plain
// text rather than lost.
func (t *Telegram) send(chatID, text string, markup *inlineKeyboard) {
	text = clamp(text)
	status, err := t.post(sendMessageReq{ChatID: chatID, Text: text, ParseMode: "Markdown", ReplyMarkup: markup})
	if err == nil && status == http.StatusBadRequest {
		status, err = t.post(sendMessageReq{ChatID: chatID, Text: text, ReplyMarkup: markup})
	}
	if err != nil {
		slog.Warn("telegram send failed", "chat", chatID, "err", err)
		return
	}
	if status != http.StatusOK {
		slog.Warn("telegram send rejected", "chat", chatID, "status", status)
	}
}

func (t *Telegram) post(req sendMessageReq) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func clamp(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	return text[:maxMessageLen] + "…"
}
