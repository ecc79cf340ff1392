package sshx

import (
	"errors"
	"fmt"
)

// Kind classifies a remote-session failure so callers can branch on the
// failure class without matching error strings.
type Kind int

const (
	KindOK Kind = iota
	KindSpawnFailed
	KindConnectTimeout
	KindHostKeyMismatch
	KindAuthFailed
	KindCommandFailed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindSpawnFailed:
		return "spawn-failed"
	case KindConnectTimeout:
		return "connect-timeout"
	case KindHostKeyMismatch:
		return "host-key-mismatch-retry-failed"
	case KindAuthFailed:
		return "auth-failed"
	case KindCommandFailed:
		return "command-failed"
	default:
		return "unknown"
	}
}

// Error is a classified remote-session failure.
type Error struct {
	Kind Kind
	Node string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssh %s on %s: %v", e.Kind, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain; a nil error is
// KindOK and an unclassified error is KindSpawnFailed.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindSpawnFailed
}
