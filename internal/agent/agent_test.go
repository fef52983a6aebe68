package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeRunner(t *testing.T, outputs map[string]string, errs map[string]error) Runner {
	t.Helper()
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		key := name + " " + strings.Join(args, " ")
		if err, ok := errs[key]; ok {
			return nil, err
		}
		out, ok := outputs[key]
		if !ok {
			t.Fatalf("unexpected command %q", key)
		}
		return []byte(out), nil
	}
}

func TestSocketPath(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "S.gpg-agent")
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpgconf --list-dirs agent-socket": sock + "\n",
	}, nil)}
	got, err := c.SocketPath(context.Background())
	require.NoError(t, err)
	require.Equal(t, sock, got)
}

func TestSocketPathMissingFile(t *testing.T) {
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpgconf --list-dirs agent-socket": filepath.Join(t.TempDir(), "absent") + "\n",
	}, nil)}
	_, err := c.SocketPath(context.Background())
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSocketPathEmptyOutput(t *testing.T) {
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpgconf --list-dirs agent-socket": "\n",
	}, nil)}
	_, err := c.SocketPath(context.Background())
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestExportKey(t *testing.T) {
	armor := "-----BEGIN PGP PUBLIC KEY BLOCK-----\nxyz\n-----END PGP PUBLIC KEY BLOCK-----\n"
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpg --armor --export alice@example.com": armor,
	}, nil)}
	out, err := c.ExportKey(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, armor, string(out))
}

func TestExportKeyEmptyIsNoKeyFound(t *testing.T) {
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpg --armor --export nobody@example.com": "",
	}, nil)}
	_, err := c.ExportKey(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrNoKeyFound)
}

func TestExportKeyCommandFailure(t *testing.T) {
	c := &Client{Run: fakeRunner(t, nil, map[string]error{
		"gpg --armor --export alice@example.com": errors.New("gpg: exit 2"),
	})}
	_, err := c.ExportKey(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, ErrExportFailed)
}

func TestFingerprint(t *testing.T) {
	listing := strings.Join([]string{
		"tru::1:1700000000:0:3:1:5",
		"pub:u:4096:1:AABBCCDDEEFF0011:1600000000:::u:::scESC::::::23::0:",
		"fpr:::::::::0123456789ABCDEF0123456789ABCDEF01234567:",
		"uid:u::::1600000000::deadbeef::Alice <alice@example.com>::::::::::0:",
	}, "\n")
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpg --with-colons --list-keys alice@example.com": listing,
	}, nil)}
	fpr, err := c.Fingerprint(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "0123456789ABCDEF0123456789ABCDEF01234567", fpr)
}

func TestFingerprintAbsent(t *testing.T) {
	c := &Client{Run: fakeRunner(t, map[string]string{
		"gpg --with-colons --list-keys alice@example.com": "tru::1:1700000000:0:3:1:5\n",
	}, nil)}
	_, err := c.Fingerprint(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, ErrNoKeyFound)
}
