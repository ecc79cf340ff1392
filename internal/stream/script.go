// Package stream supervises the xray log stream of one node: it attaches to
// the proxy process inside the container over ssh, classifies the output
// into control sentinels and raw log lines, and re-attaches across process
// and container restarts.
package stream

import (
	"fmt"
	"strings"
)

// sentinelPrefix marks in-band control lines emitted by the attach script.
const sentinelPrefix = "guardian: "

// ProbeCommand is the cheap connectivity check run before re-attaching
// after a failure.
const ProbeCommand = "echo guardian_probe_ok"

// ProbeToken is the expected probe output.
const ProbeToken = "guardian_probe_ok"

// attachScript locates the xray process inside the container and streams
// its stdout/stderr through the in-container /proc filesystem. The inner
// loop keeps retrying when the process is gone or its descriptors are
// unreadable, emitting sentinels so the supervisor can see why nothing is
// flowing. When the configured container does not exist the script
// auto-discovers a container whose process list contains xray.
const attachScript = `set -u
CONTAINER=%s
if ! command -v docker >/dev/null 2>&1; then echo 'guardian: no_docker'; exit 3; fi
C="$CONTAINER"
if ! docker inspect "$C" >/dev/null 2>&1; then
  C=''
  for n in $(docker ps --format '{{.Names}}'); do
    if docker exec "$n" sh -c 'pgrep -x xray >/dev/null 2>&1'; then C="$n"; break; fi
  done
fi
if [ -z "$C" ]; then echo 'guardian: no_container'; exit 4; fi
echo "guardian: attach container=$C"
docker exec -i "$C" sh -c '
while :; do
  pid=$(pgrep -xo xray 2>/dev/null)
  if [ -z "$pid" ]; then echo "guardian: no_xray_process"; sleep 2; continue; fi
  if [ ! -r /proc/$pid/fd/1 ]; then echo "guardian: fd_unreadable"; sleep 2; continue; fi
  echo "guardian: follow pid=$pid"
  cat /proc/$pid/fd/1 /proc/$pid/fd/2 2>/dev/null
done
'
rc=$?
echo "guardian: log_stream_exit rc=$rc"`

// AttachCommand renders the attach script for the given container name.
func AttachCommand(container string) string {
	return fmt.Sprintf(attachScript, shellQuote(container))
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
