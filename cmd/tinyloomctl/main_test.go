package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	writeJSON(&buf, []byte(`{"a":1}`), false)
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	buf.Reset()
	writeJSON(&buf, []byte(`{"a":1}`), true)
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	writeJSON(&buf, []byte("plain"), true)
	assert.Equal(t, "plain\n", buf.String())
}

func TestSendCommand(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/message", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"ok":true,"messageId":"web_1_abc"}`))
	}))
	defer ts.Close()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--server", ts.URL, "send", "--agent", "coder", "fix", "it"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "fix it", got["message"])
	assert.Equal(t, "coder", got["agent"])
}

func TestSettingsSetRejectsInvalidJSON(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--server", "http://127.0.0.1:1", "settings", "set", "teams", "{oops"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value must be JSON")
}

func TestServerErrorSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"message is required"}`))
	}))
	defer ts.Close()

	serverURL = ts.URL
	_, err := newClient().post("/api/message", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "message is required")
}

func TestStreamSSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: connected\ndata: {\"timestamp\":1}\n\n")
		io.WriteString(w, "event: response_ready\ndata: {\"type\":\"response_ready\"}\n\n")
	}))
	defer ts.Close()

	serverURL = ts.URL
	var out bytes.Buffer
	require.NoError(t, newClient().streamSSE("/api/events/stream", &out))
	assert.Equal(t, "{\"type\":\"response_ready\"}", strings.TrimSpace(out.String()))
}

func TestLogsCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"lines":["[t] [INFO] one","[t] [INFO] two"]}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--server", ts.URL, "logs", "-n", "5"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "[t] [INFO] one\n[t] [INFO] two\n", out.String())
}
