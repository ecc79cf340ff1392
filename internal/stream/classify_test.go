package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Sentinels(t *testing.T) {
	cases := []struct {
		line string
		want Event
	}{
		{"guardian: attach container=marzban-node",
			Event{Kind: EventAttach, Container: "marzban-node"}},
		{"guardian: follow pid=4711",
			Event{Kind: EventFollow, PID: 4711}},
		{"guardian: no_container", Event{Kind: EventNoContainer}},
		{"guardian: no_docker", Event{Kind: EventNoDocker}},
		{"guardian: no_xray_process", Event{Kind: EventNoXrayProcess}},
		{"guardian: fd_unreadable", Event{Kind: EventFDUnreadable}},
		{"guardian: log_stream_exit rc=137",
			Event{Kind: EventStreamExit, RC: 137}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got := Classify(tc.line)
			assert.Equal(t, tc.want.Kind, got.Kind)
			assert.Equal(t, tc.want.Container, got.Container)
			assert.Equal(t, tc.want.PID, got.PID)
			assert.Equal(t, tc.want.RC, got.RC)
			assert.Equal(t, tc.line, got.Line)
		})
	}
}

func TestClassify_LogLine(t *testing.T) {
	line := "from tcp:203.0.113.5:48290 accepted tcp:example.com:443 [VIP] email: 1.a"
	got := Classify(line)
	assert.Equal(t, EventLogLine, got.Kind)
	assert.Equal(t, line, got.Line)
}

func TestClassify_UnknownSentinelSurfacesAsLogLine(t *testing.T) {
	got := Classify("guardian: something_new")
	assert.Equal(t, EventLogLine, got.Kind)
}

func TestAttachCommand(t *testing.T) {
	cmd := AttachCommand("marzban-node")
	assert.Contains(t, cmd, "CONTAINER='marzban-node'")
	assert.Contains(t, cmd, "guardian: follow pid=")
	assert.Contains(t, cmd, "guardian: no_xray_process")
	assert.Contains(t, cmd, "guardian: fd_unreadable")
	assert.Contains(t, cmd, "guardian: log_stream_exit rc=")
	assert.Contains(t, cmd, "/proc/$pid/fd/1")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'a'", shellQuote("a"))
	quoted := shellQuote("it's")
	// Interpolated into sh, the quoted form must reproduce the original.
	assert.True(t, strings.HasPrefix(quoted, "'"))
	assert.Equal(t, `'it'\''s'`, quoted)
}
