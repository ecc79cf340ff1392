package stream

import (
	"strconv"
	"strings"
)

// EventKind distinguishes raw log lines from the control sentinels the
// attach script emits in-band.
type EventKind int

const (
	EventLogLine EventKind = iota
	EventAttach
	EventFollow
	EventNoContainer
	EventNoDocker
	EventNoXrayProcess
	EventFDUnreadable
	EventStreamExit
)

func (k EventKind) String() string {
	switch k {
	case EventLogLine:
		return "log-line"
	case EventAttach:
		return "attach"
	case EventFollow:
		return "follow"
	case EventNoContainer:
		return "no_container"
	case EventNoDocker:
		return "no_docker"
	case EventNoXrayProcess:
		return "no_xray_process"
	case EventFDUnreadable:
		return "fd_unreadable"
	case EventStreamExit:
		return "log_stream_exit"
	default:
		return "unknown"
	}
}

// Event is one classified line from the remote stream.
type Event struct {
	Kind      EventKind
	Line      string // raw line, sentinel or not
	Container string // EventAttach
	PID       int    // EventFollow
	RC        int    // EventStreamExit
}

// Classify maps one raw output line to an event. Anything that is not a
// guardian sentinel is a log line.
func Classify(line string) Event {
	rest, ok := strings.CutPrefix(line, sentinelPrefix)
	if !ok {
		return Event{Kind: EventLogLine, Line: line}
	}
	switch {
	case strings.HasPrefix(rest, "attach "):
		ev := Event{Kind: EventAttach, Line: line}
		if c, ok := strings.CutPrefix(rest, "attach container="); ok {
			ev.Container = strings.TrimSpace(c)
		}
		return ev
	case strings.HasPrefix(rest, "follow pid="):
		pid, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(rest, "follow pid=")))
		return Event{Kind: EventFollow, Line: line, PID: pid}
	case rest == "no_container":
		return Event{Kind: EventNoContainer, Line: line}
	case rest == "no_docker":
		return Event{Kind: EventNoDocker, Line: line}
	case rest == "no_xray_process":
		return Event{Kind: EventNoXrayProcess, Line: line}
	case rest == "fd_unreadable":
		return Event{Kind: EventFDUnreadable, Line: line}
	case strings.HasPrefix(rest, "log_stream_exit rc="):
		rc, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(rest, "log_stream_exit rc=")))
		return Event{Kind: EventStreamExit, Line: line, RC: rc}
	default:
		// Unknown sentinel shape: surface it as a log line rather than
		// dropping it.
		return Event{Kind: EventLogLine, Line: line}
	}
}
