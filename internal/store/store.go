// Package store is the session-state client: an age-ordered multiset of
// current source addresses per (inbound, user) slot and a recent-ban marker
// with TTL, both backed by Redis. All cross-watcher coordination in the
// fleet goes through this package.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Client is the minimal slice of the Redis wire contract the store needs.
// The concrete go-redis adapter lives in redis.go; tests inject an
// in-memory fake.
type Client interface {
	// SlotAdd pipelines ZADD (score = event time), ZCARD and EXPIRE on a
	// slot key and returns how many members were newly added together
	// with the resulting cardinality.
	SlotAdd(ctx context.Context, key, member string, at time.Time, retention time.Duration) (added, card int64, err error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

const (
	slotKeyPrefix = "a:"
	banKeyPrefix  = "banned:"

	// slotRetention bounds how long an idle (inbound, user) slot is kept;
	// addresses falling out of retention are forgotten, not banned.
	slotRetention = 6 * time.Hour

	opTimeout   = 5 * time.Second
	scanTimeout = 10 * time.Second

	// degraded-store logging is capped at one line per minute so a Redis
	// outage does not flood the log at log-line rate.
	errLogInterval = time.Minute
)

// ActiveSlot is one (inbound, user) slot with its current addresses,
// oldest first.
type ActiveSlot struct {
	Inbound   string
	User      string
	Addresses []string
}

// BannedEntry is one recent-ban marker with its remaining TTL.
type BannedEntry struct {
	Address   string
	Remaining time.Duration
}

// Store implements the session-state operations on a Client.
type Store struct {
	client Client
	now    func() time.Time

	mu         sync.Mutex
	lastErrLog time.Time
}

func New(client Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Ping verifies store reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx)
}

func slotKey(inbound, user string) string {
	return slotKeyPrefix + inbound + ":" + user
}

func banKey(addr string) string {
	return banKeyPrefix + addr
}

// AddAddress records addr as the most recent address of (inbound, user) and
// trims the slot to limit, returning the evicted addresses oldest-first and
// whether addr was previously unseen in the slot.
//
// A slow or unreachable store degrades to "no evictions this line": the
// call returns (nil, false) and logs at most once per minute. That keeps
// the watcher correct (no spurious bans) at the cost of temporary
// under-detection.
func (s *Store) AddAddress(ctx context.Context, inbound, user, addr string, limit int) ([]string, bool) {
	key := slotKey(inbound, user)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	added, card, err := s.client.SlotAdd(ctx, key, addr, s.now(), slotRetention)
	if err != nil {
		s.logDegraded("slot add failed", key, err)
		return nil, false
	}
	wasNew := added > 0

	if card <= int64(limit) {
		return nil, wasNew
	}
	excess := card - int64(limit)
	oldest, err := s.client.ZRange(ctx, key, 0, excess-1)
	if err != nil || len(oldest) == 0 {
		if err != nil {
			s.logDegraded("slot trim read failed", key, err)
		}
		return nil, wasNew
	}
	if err := s.client.ZRem(ctx, key, oldest...); err != nil {
		s.logDegraded("slot trim failed", key, err)
		return nil, wasNew
	}
	return oldest, wasNew
}

// MarkBanned sets the recent-ban marker for addr. An existing marker with a
// longer remaining TTL is left alone: the longer TTL wins.
func (s *Store) MarkBanned(ctx context.Context, addr string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if cur, err := s.client.TTL(ctx, banKey(addr)); err == nil && cur > ttl {
		return nil
	}
	return s.client.SetEx(ctx, banKey(addr), "1", ttl)
}

// IsBannedRecently reports whether addr carries a live recent-ban marker.
// Store failures read as "not banned" so detection keeps going.
func (s *Store) IsBannedRecently(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	ok, err := s.client.Exists(ctx, banKey(addr))
	if err != nil {
		s.logDegraded("ban check failed", banKey(addr), err)
		return false
	}
	return ok
}

// ListActive returns up to limit (inbound, user) slots with their current
// addresses, for the control plane.
func (s *Store) ListActive(ctx context.Context, limit int) ([]ActiveSlot, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	keys, err := s.scanAll(ctx, slotKeyPrefix+"*", limit)
	if err != nil {
		return nil, fmt.Errorf("scan slots: %w", err)
	}
	slots := make([]ActiveSlot, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, slotKeyPrefix)
		// The user identifier may itself contain ':'; the inbound label
		// cannot, so split once.
		inbound, user, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		addrs, err := s.client.ZRange(ctx, key, 0, -1)
		if err != nil {
			return nil, fmt.Errorf("read slot %s: %w", key, err)
		}
		if len(addrs) == 0 {
			continue
		}
		slots = append(slots, ActiveSlot{Inbound: inbound, User: user, Addresses: addrs})
	}
	return slots, nil
}

// ListBanned returns up to limit recent-ban markers with remaining TTLs.
func (s *Store) ListBanned(ctx context.Context, limit int) ([]BannedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	keys, err := s.scanAll(ctx, banKeyPrefix+"*", limit)
	if err != nil {
		return nil, fmt.Errorf("scan bans: %w", err)
	}
	entries := make([]BannedEntry, 0, len(keys))
	for _, key := range keys {
		ttl, err := s.client.TTL(ctx, key)
		if err != nil || ttl <= 0 {
			continue
		}
		entries = append(entries, BannedEntry{
			Address:   strings.TrimPrefix(key, banKeyPrefix),
			Remaining: ttl,
		})
	}
	return entries, nil
}

// UnmarkBanned clears the recent-ban marker for addr.
func (s *Store) UnmarkBanned(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.client.Del(ctx, banKey(addr))
	return err
}

// UnmarkAllBanned clears every recent-ban marker and returns how many were
// removed.
func (s *Store) UnmarkAllBanned(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	keys, err := s.scanAll(ctx, banKeyPrefix+"*", 0)
	if err != nil {
		return 0, fmt.Errorf("scan bans: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...)
	return int(n), err
}

// scanAll drains a SCAN cursor; limit 0 means unbounded.
func (s *Store) scanAll(ctx context.Context, match string, limit int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100)
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *Store) logDegraded(msg, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastErrLog) < errLogInterval {
		return
	}
	s.lastErrLog = time.Now()
	slog.Error("state store degraded: "+msg, "key", key, "err", err)
}
