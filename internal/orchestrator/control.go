package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Control-plane text surface, consumed by the Telegram command poller.
// Replies are plain strings; formatting stays out of the notify package.

const bannedPageSize = 25

func (o *Orchestrator) StatusSummary(ctx context.Context) string {
	statuses := o.FleetFirewallStatus(ctx)
	var sb strings.Builder
	fmt.Fprintf(&sb, "fleet: %d node(s)\n", len(o.nodes))
	for _, name := range sortedNames(statuses) {
		st := statuses[name]
		mark := "✅"
		if !st.Healthy() {
			mark = "⚠️"
		}
		fmt.Fprintf(&sb, "%s %s: backend=%s sets=%v/%v chains=%s ensured=%v\n",
			mark, name, st.Backend, st.SetV4, st.SetV6,
			strings.Join(st.Chains, ","), st.Ensured)
	}
	if err := o.store.Ping(ctx); err != nil {
		fmt.Fprintf(&sb, "❌ store: %v\n", err)
	} else {
		sb.WriteString("✅ store: reachable\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Orchestrator) Sessions(ctx context.Context) string {
	slots, err := o.store.ListActive(ctx, 100)
	if err != nil {
		return fmt.Sprintf("listing sessions failed: %v", err)
	}
	if len(slots) == 0 {
		return "no active sessions"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active slot(s):\n", len(slots))
	for _, s := range slots {
		fmt.Fprintf(&sb, "• %s / %s: %s\n", s.Inbound, s.User, strings.Join(s.Addresses, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Orchestrator) Banned(ctx context.Context, page int) string {
	entries, err := o.store.ListBanned(ctx, 1000)
	if err != nil {
		return fmt.Sprintf("listing bans failed: %v", err)
	}
	if len(entries) == 0 {
		return "no active bans"
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * bannedPageSize
	if start >= len(entries) {
		return fmt.Sprintf("page %d is past the end (%d bans)", page, len(entries))
	}
	end := min(start+bannedPageSize, len(entries))

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d ban(s), page %d:\n", len(entries), page)
	for _, e := range entries[start:end] {
		fmt.Fprintf(&sb, "• %s (%s left)\n", e.Address, e.Remaining.Round(time.Second))
	}
	if end < len(entries) {
		fmt.Fprintf(&sb, "…more: /banned %d", page+1)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Orchestrator) Unban(ctx context.Context, addr netip.Addr) string {
	if err := o.UnbanFleet(ctx, addr); err != nil {
		return fmt.Sprintf("unban %s finished with errors: %v", addr, err)
	}
	return fmt.Sprintf("🔓 %s unbanned on all nodes", addr)
}

func (o *Orchestrator) UnbanAll(ctx context.Context) string {
	cleared, err := o.ClearAllBans(ctx)
	if err != nil {
		return fmt.Sprintf("unban all: cleared %d marker(s), errors: %v", cleared, err)
	}
	return fmt.Sprintf("🔓 cleared %d marker(s) and flushed all node sets", cleared)
}

func (o *Orchestrator) FixFirewall(ctx context.Context) string {
	results := o.ForceEnsureFleet(ctx)
	var sb strings.Builder
	for _, node := range o.nodes {
		if err := results[node.Name]; err != nil {
			fmt.Fprintf(&sb, "❌ %s: %v\n", node.Name, err)
		} else {
			fmt.Fprintf(&sb, "✅ %s: rules ensured\n", node.Name)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Orchestrator) Reboot(ctx context.Context, name string) string {
	if err := o.RebootNode(ctx, name); err != nil {
		return fmt.Sprintf("reboot failed: %v", err)
	}
	return "♻️ reboot issued on " + name
}
