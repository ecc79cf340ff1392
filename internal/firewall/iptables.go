package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

// Set names are fixed fleet-wide so every node drops the same addresses.
const (
	setV4 = "m1m_guardian"
	setV6 = "m1m_guardian6"

	setMaxElem = 1048576
)

// iptablesEnsureScript creates both timed sets (list-then-create, so a
// pre-existing set produces no stderr noise) and installs the three-rule
// block (TCP reject-with-reset, UDP reject-with-port-unreachable, final
// DROP) matching set membership on the source address. Rules land in
// DOCKER-USER when the docker chain exists, otherwise at the top of INPUT
// and FORWARD. Each rule is check-then-insert, so repeated runs never
// duplicate.
var iptablesEnsureScript = fmt.Sprintf(`set -u
ipset list %[1]s >/dev/null 2>&1 || ipset create %[1]s hash:ip family inet timeout 0 maxelem %[3]d
ipset list %[2]s >/dev/null 2>&1 || ipset create %[2]s hash:ip family inet6 timeout 0 maxelem %[3]d
add_rules() {
  ipt="$1"; chain="$2"; set="$3"; unreach="$4"
  $ipt -C "$chain" -m set --match-set "$set" src -j DROP 2>/dev/null || $ipt -I "$chain" 1 -m set --match-set "$set" src -j DROP
  $ipt -C "$chain" -p udp -m set --match-set "$set" src -j REJECT --reject-with "$unreach" 2>/dev/null || $ipt -I "$chain" 1 -p udp -m set --match-set "$set" src -j REJECT --reject-with "$unreach"
  $ipt -C "$chain" -p tcp -m set --match-set "$set" src -j REJECT --reject-with tcp-reset 2>/dev/null || $ipt -I "$chain" 1 -p tcp -m set --match-set "$set" src -j REJECT --reject-with tcp-reset
}
install_family() {
  ipt="$1"; set="$2"; unreach="$3"
  if $ipt -nL DOCKER-USER >/dev/null 2>&1; then
    add_rules "$ipt" DOCKER-USER "$set" "$unreach"
  else
    add_rules "$ipt" INPUT "$set" "$unreach"
    add_rules "$ipt" FORWARD "$set" "$unreach"
  fi
}
install_family iptables %[1]s icmp-port-unreachable
if command -v ip6tables >/dev/null 2>&1; then
  install_family ip6tables %[2]s icmp6-port-unreachable
fi
true`, setV4, setV6, setMaxElem)

// iptablesVerifyScript emits one token per fixture so the caller can
// confirm the ensure pass actually took.
var iptablesVerifyScript = fmt.Sprintf(`ipset list %[1]s >/dev/null 2>&1 && echo set4_present
ipset list %[2]s >/dev/null 2>&1 && echo set6_present
iptables-save 2>/dev/null | grep -q -- '--match-set %[1]s src' && echo rules4_present
true`, setV4, setV6)

// conntrackFlush drops any established sessions of addr in both directions
// so a fresh drop rule is not grandfathered. Best effort: conntrack may be
// absent.
func conntrackFlush(addr string) string {
	return fmt.Sprintf(
		"conntrack -D -s %[1]s >/dev/null 2>&1 || true\nconntrack -D -d %[1]s >/dev/null 2>&1 || true",
		addr)
}

// iptablesBatchCommand builds one remote command that bulk-loads a batch
// into the kernel sets via ipset restore and flushes conntrack for every
// address. The command exits with the restore's status: the conntrack
// flushes stay best effort, but a failed load must surface so the worker
// requeues the batch.
func iptablesBatchCommand(batch []pendingBan) string {
	var restore strings.Builder
	var flush strings.Builder
	for _, b := range batch {
		set := setV4
		if b.addr.Is6() && !b.addr.Is4In6() {
			set = setV6
		}
		fmt.Fprintf(&restore, "add %s %s timeout %d -exist\n", set, b.addr, int(b.ttl.Seconds()))
		flush.WriteString(conntrackFlush(b.addr.String()))
		flush.WriteString("\n")
	}
	return fmt.Sprintf("ipset restore <<'GUARDIAN_EOF'\n%sGUARDIAN_EOF\nrc=$?\n%sexit $rc", restore.String(), flush.String())
}

// iptablesUnbanCommand removes addr from its family set and flushes its
// conntrack entries. Safe when the set or element is absent.
func iptablesUnbanCommand(addr netip.Addr) string {
	set := setV4
	if addr.Is6() && !addr.Is4In6() {
		set = setV6
	}
	return fmt.Sprintf("ipset del %s %s -exist 2>/dev/null\n%s\ntrue", set, addr, conntrackFlush(addr.String()))
}

// iptablesTestCommand exits zero when addr is currently in its set.
func iptablesTestCommand(addr netip.Addr) string {
	set := setV4
	if addr.Is6() && !addr.Is4In6() {
		set = setV6
	}
	return fmt.Sprintf("ipset test %s %s >/dev/null 2>&1", set, addr)
}

// iptablesStatusScript reports set presence and which chains carry the
// match-set rules.
var iptablesStatusScript = fmt.Sprintf(`ipset list %[1]s >/dev/null 2>&1 && echo set4=yes || echo set4=no
ipset list %[2]s >/dev/null 2>&1 && echo set6=yes || echo set6=no
for chain in DOCKER-USER INPUT FORWARD; do
  iptables -nL "$chain" 2>/dev/null | grep -q '%[1]s' && echo chain=$chain
done
true`, setV4, setV6)

// iptablesFlushSetsCommand empties both sets (fleet-wide unban-all).
var iptablesFlushSetsCommand = fmt.Sprintf(
	"ipset flush %s 2>/dev/null\nipset flush %s 2>/dev/null\ntrue", setV4, setV6)
