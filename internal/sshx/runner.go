package sshx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout       = 8 * time.Second
	idleTimeout       = 60 * time.Second
	keepaliveInterval = 30 * time.Second
	keepaliveMax      = 3
)

// Runner executes remote commands over ssh. It keeps one multiplexed client
// connection per node, torn down after 60s of idle, so repeated commands
// against the same node do not pay the handshake cost each time.
type Runner struct {
	knownHostsPath string

	mu      sync.Mutex
	clients map[string]*clientEntry
	cleared map[string]bool // hosts whose rotated key entry was already dropped
	khMu    sync.Mutex

	// dialFn is swappable for tests.
	dialFn func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

type clientEntry struct {
	client *ssh.Client
	refs   int
	last   time.Time
	done   chan struct{}
	closed bool
}

// NewRunner creates a Runner using the given known_hosts path; an empty
// path defaults to ~/.ssh/known_hosts.
func NewRunner(knownHostsPath string) *Runner {
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/root"
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	return &Runner{
		knownHostsPath: knownHostsPath,
		clients:        make(map[string]*clientEntry),
		cleared:        make(map[string]bool),
		dialFn:         ssh.Dial,
	}
}

// Close tears down every cached client connection.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.clients {
		r.closeEntryLocked(e)
		delete(r.clients, key)
	}
}

// Run executes cmd on node and returns the exit code together with the
// combined stdout/stderr. A non-zero exit yields KindCommandFailed; the
// output is still returned so callers can inspect it.
func (r *Runner) Run(ctx context.Context, node Node, cmd string) (int, []byte, error) {
	entry, err := r.acquire(ctx, node)
	if err != nil {
		return -1, nil, err
	}
	defer r.release(node)

	session, err := entry.client.NewSession()
	if err != nil {
		return -1, nil, &Error{Kind: KindSpawnFailed, Node: node.Name, Err: err}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		ch <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-ch
		return -1, nil, abortError(node, ctx.Err())
	case res := <-ch:
		if res.err == nil {
			return 0, res.out, nil
		}
		var ee *ssh.ExitError
		if errors.As(res.err, &ee) {
			return ee.ExitStatus(), res.out, &Error{Kind: KindCommandFailed, Node: node.Name, Err: res.err}
		}
		return -1, res.out, &Error{Kind: KindSpawnFailed, Node: node.Name, Err: res.err}
	}
}

// Stream starts cmd on node and returns a channel of combined output lines.
// The channel closes when the remote command exits or cancel is called.
// cancel is idempotent and always safe to call.
func (r *Runner) Stream(ctx context.Context, node Node, cmd string) (<-chan string, func(), error) {
	entry, err := r.acquire(ctx, node)
	if err != nil {
		return nil, nil, err
	}

	session, err := entry.client.NewSession()
	if err != nil {
		r.release(node)
		return nil, nil, &Error{Kind: KindSpawnFailed, Node: node.Name, Err: err}
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	if err := session.Start(cmd); err != nil {
		session.Close()
		r.release(node)
		return nil, nil, &Error{Kind: KindSpawnFailed, Node: node.Name, Err: err}
	}

	lines := make(chan string, 256)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			session.Close()
			pr.Close()
		})
	}

	go func() {
		err := session.Wait()
		if err != nil && ctx.Err() == nil {
			slog.Debug("remote stream exited", "node", node.Name, "err", err)
		}
		pw.Close()
	}()

	go func() {
		defer close(lines)
		defer r.release(node)
		defer cancel()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 512*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	// Propagate context cancellation to the remote session.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-entry.done:
		}
	}()

	return lines, cancel, nil
}

func (r *Runner) acquire(ctx context.Context, node Node) (*clientEntry, error) {
	r.mu.Lock()
	if e, ok := r.clients[node.Name]; ok && !e.closed {
		e.refs++
		e.last = time.Now()
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	client, err := r.dial(ctx, node)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Lost the race against a concurrent dial for the same node: keep the
	// existing entry, discard ours.
	if e, ok := r.clients[node.Name]; ok && !e.closed {
		client.Close()
		e.refs++
		e.last = time.Now()
		return e, nil
	}
	e := &clientEntry{client: client, refs: 1, last: time.Now(), done: make(chan struct{})}
	r.clients[node.Name] = e
	go r.keepalive(node.Name, e)
	go r.reapWhenIdle(node.Name, e)
	return e, nil
}

func (r *Runner) release(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[node.Name]; ok && e.refs > 0 {
		e.refs--
		e.last = time.Now()
	}
}

func (r *Runner) closeEntryLocked(e *clientEntry) {
	if !e.closed {
		e.closed = true
		close(e.done)
		e.client.Close()
	}
}

// reapWhenIdle closes the cached client once it has sat unused for the idle
// window.
func (r *Runner) reapWhenIdle(name string, e *clientEntry) {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if e.refs == 0 && time.Since(e.last) >= idleTimeout {
				r.closeEntryLocked(e)
				if r.clients[name] == e {
					delete(r.clients, name)
				}
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}

// keepalive sends server-alive requests every 30s; after 3 consecutive
// misses the connection is considered dead and torn down.
func (r *Runner) keepalive(name string, e *clientEntry) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			_, _, err := e.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				misses++
				if misses >= keepaliveMax {
					slog.Warn("ssh keepalive lost, dropping connection", "node", name, "misses", misses)
					r.mu.Lock()
					r.closeEntryLocked(e)
					if r.clients[name] == e {
						delete(r.clients, name)
					}
					r.mu.Unlock()
					return
				}
			} else {
				misses = 0
			}
		}
	}
}

// dial connects to node, handling host-key rotation exactly once per host:
// the first mismatch drops the stale known_hosts entry and retries, and the
// retry result is authoritative.
func (r *Runner) dial(ctx context.Context, node Node) (*ssh.Client, error) {
	client, err := r.dialOnce(ctx, node)
	if err == nil {
		return client, nil
	}
	if !isKeyMismatch(err) {
		return nil, r.classifyDialErr(node, err)
	}

	r.mu.Lock()
	already := r.cleared[node.Host]
	r.cleared[node.Host] = true
	r.mu.Unlock()
	if already {
		return nil, &Error{Kind: KindHostKeyMismatch, Node: node.Name, Err: err}
	}

	slog.Warn("host key rotated, clearing stale known_hosts entry",
		"node", node.Name, "host", node.Host)
	r.khMu.Lock()
	dropErr := dropKnownHostLines(r.knownHostsPath, staleEntryLines(err))
	r.khMu.Unlock()
	if dropErr != nil {
		return nil, &Error{Kind: KindHostKeyMismatch, Node: node.Name, Err: dropErr}
	}

	client, err = r.dialOnce(ctx, node)
	if err != nil {
		if isKeyMismatch(err) {
			return nil, &Error{Kind: KindHostKeyMismatch, Node: node.Name, Err: err}
		}
		return nil, r.classifyDialErr(node, err)
	}
	return client, nil
}

func (r *Runner) dialOnce(ctx context.Context, node Node) (*ssh.Client, error) {
	auth, err := r.authMethods(node)
	if err != nil {
		return nil, err
	}
	hostKey, err := r.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            node.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := r.dialFn("tcp", node.Addr(), cfg)
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.client, res.err
	}
}

// authMethods builds the auth chain. Password nodes additionally get a
// keyboard-interactive responder because some sshd setups only offer that
// method; key nodes stay strictly on the public key.
func (r *Runner) authMethods(node Node) ([]ssh.AuthMethod, error) {
	if node.KeyPath != "" {
		pem, err := os.ReadFile(node.KeyPath)
		if err != nil {
			return nil, &Error{Kind: KindAuthFailed, Node: node.Name, Err: fmt.Errorf("read key: %w", err)}
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, &Error{Kind: KindAuthFailed, Node: node.Name, Err: fmt.Errorf("parse key: %w", err)}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	pw := node.Password
	return []ssh.AuthMethod{
		ssh.Password(pw),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = pw
			}
			return answers, nil
		}),
	}, nil
}

// abortError classifies a command cut short by its context: a blown
// deadline is a timeout, an orchestrated cancellation (shutdown, node
// removed) is not.
func abortError(node Node, err error) *Error {
	kind := KindConnectTimeout
	if errors.Is(err, context.Canceled) {
		kind = KindSpawnFailed
	}
	return &Error{Kind: kind, Node: node.Name, Err: err}
}

func (r *Runner) classifyDialErr(node Node, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindConnectTimeout, Node: node.Name, Err: err}
	case isAuthErr(err):
		return &Error{Kind: KindAuthFailed, Node: node.Name, Err: err}
	default:
		return &Error{Kind: KindSpawnFailed, Node: node.Name, Err: err}
	}
}

func isAuthErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
