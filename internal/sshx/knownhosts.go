package sshx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCallback verifies against the known_hosts file but auto-accepts and
// records previously unseen hosts (StrictHostKeyChecking accept-new
// behavior). A known host presenting a different key is returned as the
// knownhosts mismatch error so dial() can run the one-shot rotation
// recovery.
func (r *Runner) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(r.knownHostsPath); err != nil {
		return nil, err
	}
	verify, err := knownhosts.New(r.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) && len(kerr.Want) == 0 {
			return r.appendKnownHost(hostname, key)
		}
		return err
	}, nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("known_hosts file: %w", err)
	}
	return f.Close()
}

func (r *Runner) appendKnownHost(hostname string, key ssh.PublicKey) error {
	r.khMu.Lock()
	defer r.khMu.Unlock()
	f, err := os.OpenFile(r.knownHostsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{hostname}, key))
	return err
}

// isKeyMismatch reports whether err is a host-key mismatch against an
// existing known_hosts entry, i.e. the host identification has changed.
func isKeyMismatch(err error) bool {
	var kerr *knownhosts.KeyError
	return errors.As(err, &kerr) && len(kerr.Want) > 0
}

// staleEntryLines returns the 1-based known_hosts line numbers of the
// entries that conflict with the presented key.
func staleEntryLines(err error) []int {
	var kerr *knownhosts.KeyError
	if !errors.As(err, &kerr) {
		return nil
	}
	lines := make([]int, 0, len(kerr.Want))
	for _, w := range kerr.Want {
		lines = append(lines, w.Line)
	}
	sort.Ints(lines)
	return lines
}

// dropKnownHostLines rewrites the known_hosts file without the given
// 1-based line numbers.
func dropKnownHostLines(path string, drop []int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	skip := make(map[int]bool, len(drop))
	for _, n := range drop {
		skip[n] = true
	}
	lines := strings.Split(string(data), "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if skip[i+1] {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o600)
}
