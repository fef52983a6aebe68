// Package script renders the self-contained remote session program. The
// rendering logic and the remote program's own logic are deliberately
// separate: Go code decides the parameters, the fixed template carries the
// remote behavior, and tests pin both.
package script

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"
)

// Data parameterizes one rendered remote program.
type Data struct {
	// Port is the transport endpoint bridged through the tunnel.
	Port int

	// KeyBase64 is the base64-encoded armored public key to import on the
	// remote side. Empty means no export was requested.
	KeyBase64 string

	// Fingerprint is the primary fingerprint the remote import is verified
	// against. Required whenever KeyBase64 is set.
	Fingerprint string

	// Identity is the human-readable identity, used only in messages.
	Identity string
}

// Sweep is the kill-by-pattern line embedded into the rendered program.
func (d Data) Sweep() string {
	return SweepCommand(d.Port)
}

// EncodeKey prepares armored key material for embedding.
func EncodeKey(armor []byte) string {
	return base64.StdEncoding.EncodeToString(armor)
}

// FileName returns a staging name that embeds the port and a fresh unique
// suffix, so concurrent sessions to the same host never collide.
func FileName(port int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("gpgfwd-%d-%s.sh", port, suffix)
}

// SweepCommand is the best-effort kill-by-pattern for remote relay
// processes bound to exactly this port. The tunnel supervisor re-issues it
// after the tunnel closes in case the in-script trap never ran; the script
// itself uses the same pattern for stale-process cleanup. Scoped to the
// port so sessions on other endpoints are untouched.
func SweepCommand(port int) string {
	return fmt.Sprintf("pkill -f 'socat.*TCP:127.0.0.1:%d' 2>/dev/null || true", port)
}

// Render produces the remote program for d.
func Render(d Data) ([]byte, error) {
	if d.Port <= 0 {
		return nil, fmt.Errorf("script: port is required")
	}
	if d.KeyBase64 != "" && strings.TrimSpace(d.Fingerprint) == "" {
		return nil, fmt.Errorf("script: fingerprint is required when a key is embedded")
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, d); err != nil {
		return nil, fmt.Errorf("script: render: %w", err)
	}
	return b.Bytes(), nil
}

var tmpl = template.Must(template.New("remote").Parse(`#!/usr/bin/env bash
# gpgfwd remote session, port {{.Port}}. Generated; deletes itself on exit.
set -u

PORT={{.Port}}
SELF="$0"
CLEANED=0
RELAY_PID=""
KEYFILE=""

log() { echo "[gpgfwd-remote] $*" >&2; }

cleanup() {
  status=$?
  if [ "$CLEANED" = "1" ]; then exit "$status"; fi
  CLEANED=1
  if [ -n "$KEYFILE" ]; then rm -f "$KEYFILE" 2>/dev/null || true; fi
  gpgconf --kill gpg-agent >/dev/null 2>&1 || true
  gpgconf --kill keyboxd >/dev/null 2>&1 || true
  if [ -n "$RELAY_PID" ]; then kill "$RELAY_PID" 2>/dev/null || true; fi
  {{.Sweep}}
  rm -f -- "$SELF" 2>/dev/null || true
  trap - EXIT
  exit "$status"
}
trap cleanup EXIT INT TERM HUP

for tool in gpg gpgconf base64 socat; do
  if ! command -v "$tool" >/dev/null 2>&1; then
    log "missing required tool: $tool"
    exit 1
  fi
done

RUNTIME_DIR="${XDG_RUNTIME_DIR:-/run/user/$(id -u)}"
SOCKET_DIR="$RUNTIME_DIR/gnupg"
SOCKET="$SOCKET_DIR/S.gpg-agent"
GNUPGHOME="${GNUPGHOME:-$HOME/.gnupg}"
export GNUPGHOME

mkdir -p "$GNUPGHOME" && chmod 0700 "$GNUPGHOME"
mkdir -p "$SOCKET_DIR" && chmod 0700 "$SOCKET_DIR"

# The forwarded agent must be the only agent ever active here.
if ! grep -qs '^no-autostart$' "$GNUPGHOME/gpg.conf"; then
  echo no-autostart >>"$GNUPGHOME/gpg.conf"
fi
gpgconf --kill gpg-agent >/dev/null 2>&1 || true

# Orphans from a crashed prior session on this exact port.
{{.Sweep}}
rm -f "$SOCKET"
{{if .KeyBase64}}
KEYFILE=$(mktemp "${TMPDIR:-/tmp}/gpgfwd-key-$PORT.XXXXXX")
base64 -d >"$KEYFILE" <<'GPGFWD_KEY'
{{.KeyBase64}}
GPGFWD_KEY
if ! gpg --batch --import "$KEYFILE"; then
  log "import of {{.Identity}} failed"
  exit 1
fi
if ! gpg --with-colons --list-keys 2>/dev/null | grep -q '{{.Fingerprint}}'; then
  log "imported key {{.Identity}} missing from listing ({{.Fingerprint}})"
  exit 1
fi
log "imported {{.Identity}}"
{{end}}
socat "UNIX-LISTEN:$SOCKET,unlink-early,fork,mode=600" "TCP:127.0.0.1:$PORT" &
RELAY_PID=$!

ok=0
for i in $(seq 1 10); do
  if [ -S "$SOCKET" ]; then ok=1; break; fi
  kill -0 "$RELAY_PID" 2>/dev/null || break
  sleep 0.5
done
if [ "$ok" != "1" ]; then
  log "forwarded socket $SOCKET did not appear"
  exit 1
fi

if ! gpg-connect-agent --no-autostart 'GETINFO version' /bye 2>/dev/null | grep -q '^OK'; then
  log "agent did not answer through the forwarded socket"
  exit 1
fi

log "session ready on port $PORT ($SOCKET)"
wait "$RELAY_PID"
`))
