package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/logbuf"
)

func TestWebhookAdapterPostsJSONPayload(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL)
	err := adapter.Send(context.Background(), Notification{Title: "t", Message: "m", Level: logbuf.LevelInfo})
	require.NoError(t, err)
	assert.Equal(t, "t", gotBody["title"])
	assert.Equal(t, "m", gotBody["message"])
}

func TestWebhookAdapterSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL)
	err := adapter.Send(context.Background(), Notification{Title: "t"})
	assert.Error(t, err)
}

func TestExternalAdapterInvokesExecutableWithJSONOnStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "helper.sh")
	outFile := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat > "+outFile+"\n"), 0o755))

	adapter := NewExternalAdapter(script)
	err := adapter.Send(context.Background(), Notification{Title: "hello", Message: "world", Level: logbuf.LevelWarn})
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, "world", got.Message)
}

func TestExternalAdapterSurfacesNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	adapter := NewExternalAdapter(script)
	err := adapter.Send(context.Background(), Notification{Title: "t"})
	assert.Error(t, err)
}
