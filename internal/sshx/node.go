// Package sshx is the remote session primitive: it runs and streams shell
// commands on fleet nodes over ssh, reusing one client connection per node
// and handling host-key rotation once per host.
package sshx

import (
	"net"
	"strconv"
)

// Node describes one remote host. It is built from config at startup and
// never mutated afterwards.
type Node struct {
	Name            string
	Host            string
	Port            int
	User            string
	DockerContainer string

	// Exactly one of KeyPath or Password is set (enforced by config
	// validation).
	KeyPath  string
	Password string
}

func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return n.Name + "@" + n.Addr()
}
