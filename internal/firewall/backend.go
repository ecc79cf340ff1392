// Package firewall installs and maintains timed address-ban sets on fleet
// nodes. Two kernel backends are supported behind one behavioral contract:
// legacy iptables with ipset, and native nftables with timed sets. Each node
// additionally gets a batching worker that coalesces ban insertions into
// single remote commands with backpressure.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

// Backend identifies the kernel firewall toolchain available on a node.
type Backend int

const (
	BackendNone Backend = iota
	BackendIptables
	BackendNftables
)

func (b Backend) String() string {
	switch b {
	case BackendIptables:
		return "iptables"
	case BackendNftables:
		return "nftables"
	default:
		return "none"
	}
}

// MarshalJSON renders the backend by name for the HTTP surface.
func (b Backend) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Runner is the slice of the remote session primitive the enforcer needs.
type Runner interface {
	Run(ctx context.Context, node sshx.Node, cmd string) (int, []byte, error)
}

// detectScript probes for the toolchains in preference order: legacy
// iptables only counts when its companion set tool is present too.
const detectScript = `if command -v iptables >/dev/null 2>&1 && command -v ipset >/dev/null 2>&1; then echo backend=iptables
elif command -v nft >/dev/null 2>&1; then echo backend=nftables
else echo backend=none
fi`

// detectBackend probes the node once; callers cache the result.
func detectBackend(ctx context.Context, runner Runner, node sshx.Node) (Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, out, err := runner.Run(ctx, node, detectScript)
	if err != nil {
		return BackendNone, fmt.Errorf("backend probe on %s: %w", node.Name, err)
	}
	switch {
	case strings.Contains(string(out), "backend=iptables"):
		return BackendIptables, nil
	case strings.Contains(string(out), "backend=nftables"):
		return BackendNftables, nil
	case strings.Contains(string(out), "backend=none"):
		return BackendNone, nil
	default:
		return BackendNone, fmt.Errorf("backend probe on %s: unrecognized output %q", node.Name, out)
	}
}
