package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

// nftables mirrors the iptables structure with native timed sets inside a
// dedicated inet table: one set per family, element-level TTLs, and
// input+forward hook chains carrying the reject/drop rules.
const (
	nftTable    = "m1m_guardian"
	nftSetV4    = "guardian4"
	nftSetV6    = "guardian6"
	nftChains   = "input forward"
	nftPriority = -10
)

var nftablesEnsureScript = fmt.Sprintf(`set -u
nft list table inet %[1]s >/dev/null 2>&1 || nft add table inet %[1]s
nft list set inet %[1]s %[2]s >/dev/null 2>&1 || nft add set inet %[1]s %[2]s '{ type ipv4_addr; flags timeout; size %[4]d; }'
nft list set inet %[1]s %[3]s >/dev/null 2>&1 || nft add set inet %[1]s %[3]s '{ type ipv6_addr; flags timeout; size %[4]d; }'
for hook in %[5]s; do
  nft list chain inet %[1]s guardian_$hook >/dev/null 2>&1 || nft add chain inet %[1]s guardian_$hook "{ type filter hook $hook priority %[6]d; policy accept; }"
  rules=$(nft list chain inet %[1]s guardian_$hook)
  echo "$rules" | grep -q 'ip saddr @%[2]s tcp' || nft add rule inet %[1]s guardian_$hook ip saddr @%[2]s meta l4proto tcp reject with tcp reset
  echo "$rules" | grep -q 'ip saddr @%[2]s udp' || nft add rule inet %[1]s guardian_$hook ip saddr @%[2]s meta l4proto udp reject
  echo "$rules" | grep -q 'ip saddr @%[2]s drop' || nft add rule inet %[1]s guardian_$hook ip saddr @%[2]s drop
  echo "$rules" | grep -q 'ip6 saddr @%[3]s tcp' || nft add rule inet %[1]s guardian_$hook ip6 saddr @%[3]s meta l4proto tcp reject with tcp reset
  echo "$rules" | grep -q 'ip6 saddr @%[3]s udp' || nft add rule inet %[1]s guardian_$hook ip6 saddr @%[3]s meta l4proto udp reject
  echo "$rules" | grep -q 'ip6 saddr @%[3]s drop' || nft add rule inet %[1]s guardian_$hook ip6 saddr @%[3]s drop
done
true`, nftTable, nftSetV4, nftSetV6, setMaxElem, nftChains, nftPriority)

var nftablesVerifyScript = fmt.Sprintf(`nft list set inet %[1]s %[2]s >/dev/null 2>&1 && echo set4_present
nft list set inet %[1]s %[3]s >/dev/null 2>&1 && echo set6_present
nft list chain inet %[1]s guardian_input 2>/dev/null | grep -q '@%[2]s' && echo rules4_present
true`, nftTable, nftSetV4, nftSetV6)

func nftSetFor(addr netip.Addr) string {
	if addr.Is6() && !addr.Is4In6() {
		return nftSetV6
	}
	return nftSetV4
}

// nftablesBatchCommand deletes each element first (an nft add of an
// existing element keeps the old timeout, so refresh requires
// delete-then-add) and then inserts the whole batch per family as one
// comma-separated element list, followed by the conntrack flush. The
// deletes and flushes are best effort, but a failed add must surface
// through the exit status so the worker requeues the batch.
func nftablesBatchCommand(batch []pendingBan) string {
	var sb strings.Builder
	elems := map[string][]string{}
	for _, b := range batch {
		set := nftSetFor(b.addr)
		fmt.Fprintf(&sb, "nft delete element inet %s %s '{ %s }' 2>/dev/null\n", nftTable, set, b.addr)
		elems[set] = append(elems[set],
			fmt.Sprintf("%s timeout %ds", b.addr, int(b.ttl.Seconds())))
	}
	sb.WriteString("rc=0\n")
	for _, set := range []string{nftSetV4, nftSetV6} {
		if len(elems[set]) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "nft add element inet %s %s '{ %s }' || rc=$?\n", nftTable, set, strings.Join(elems[set], ", "))
	}
	for _, b := range batch {
		sb.WriteString(conntrackFlush(b.addr.String()))
		sb.WriteString("\n")
	}
	sb.WriteString("exit $rc")
	return sb.String()
}

func nftablesUnbanCommand(addr netip.Addr) string {
	return fmt.Sprintf("nft delete element inet %s %s '{ %s }' 2>/dev/null\n%s\ntrue",
		nftTable, nftSetFor(addr), addr, conntrackFlush(addr.String()))
}

func nftablesTestCommand(addr netip.Addr) string {
	return fmt.Sprintf("nft get element inet %s %s '{ %s }' >/dev/null 2>&1",
		nftTable, nftSetFor(addr), addr)
}

var nftablesStatusScript = fmt.Sprintf(`nft list set inet %[1]s %[2]s >/dev/null 2>&1 && echo set4=yes || echo set4=no
nft list set inet %[1]s %[3]s >/dev/null 2>&1 && echo set6=yes || echo set6=no
nft list chain inet %[1]s guardian_input 2>/dev/null | grep -q '@%[2]s' && echo chain=input
nft list chain inet %[1]s guardian_forward 2>/dev/null | grep -q '@%[2]s' && echo chain=forward
true`, nftTable, nftSetV4, nftSetV6)

var nftablesFlushSetsCommand = fmt.Sprintf(
	"nft flush set inet %[1]s %[2]s 2>/dev/null\nnft flush set inet %[1]s %[3]s 2>/dev/null\ntrue",
	nftTable, nftSetV4, nftSetV6)
