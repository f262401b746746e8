package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolechat/internal/infra/config"
)

// execute runs the root command with args against an empty config path.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = filepath.Join(t.TempDir(), "config.yaml")
	envFile = ""
	t.Cleanup(func() { cfgFile, envFile = "", ".env" })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rolechat dev\n", out)
}

func TestMessageContent(t *testing.T) {
	got, err := messageContent([]string{"hello", "there"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)

	got, err = messageContent(nil, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)
}

func TestLoadEnv(t *testing.T) {
	require.NoError(t, loadEnv(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadEnv(""))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROLECHAT_TEST_ENV_VALUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROLECHAT_TEST_ENV_VALUE") })

	require.NoError(t, loadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("ROLECHAT_TEST_ENV_VALUE"))
}

func TestConfigPathPrecedence(t *testing.T) {
	t.Setenv("ROLECHAT_CONFIG", "/etc/rolechat.yaml")
	cfgFile = ""
	assert.Equal(t, "/etc/rolechat.yaml", configPath())

	cfgFile = "custom.yaml"
	t.Cleanup(func() { cfgFile = "" })
	assert.Equal(t, "custom.yaml", configPath())
}

func TestSendStreamsReplyIntoNewConversation(t *testing.T) {
	var sendQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/conversation":
			fmt.Fprint(w, `{"code":0,"data":{"id":1001,"character_id":7,"title":"hi"}}`)
		case "/chat/send":
			sendQuery = r.URL.RawQuery
			w.Header().Set("Content-Type", "text/event-stream")
			for _, rec := range []string{
				`{"type":"thinking"}`,
				`{"type":"message","content":"Well "}`,
				`{"type":"message","content":"met"}`,
				`{"type":"done","message_id":"srv-9"}`,
			} {
				fmt.Fprintf(w, "data: %s\n\n", rec)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv("ROLECHAT_API_BASE_URL", srv.URL)

	out, err := execute(t, "send", "--character", "7", "--new", "--raw", "hello", "there")
	require.NoError(t, err)

	assert.Contains(t, out, "conversation 1001")
	assert.Contains(t, out, "Well met\n")
	assert.Contains(t, out, "done in 1 attempt(s)")
	assert.Contains(t, sendQuery, "conversation_id=1001")
	assert.Contains(t, sendQuery, "content=hello+there")
}

func TestEncryptCommandRoundTrips(t *testing.T) {
	t.Setenv("ROLECHAT_CONFIG_KEY", "passphrase")
	out, err := execute(t, "encrypt", "secret-token")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "enc:"))

	plain, err := config.DecryptValue(strings.TrimPrefix(strings.TrimSpace(out), "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", plain)
}
