// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sylabs/sandboxd/internal/pkg/config"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		SandboxID:       "sbx-test",
		SandboxName:     "test",
		Port:            3000,
		SessionCwd:      t.TempDir(),
		TempDir:         t.TempDir(),
		CommandTimeout:  30 * time.Second,
		CleanupInterval: time.Minute,
		TempFileMaxAge:  time.Minute,
		BlockedApexes:   []string{"workers.dev"},
	}
	s, err := New(cfg)
	assert.NilError(t, err)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.Destroy()
	})
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NilError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	assert.NilError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestPing(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodGet, "/api/ping", nil, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, out["success"], true)
	assert.Equal(t, out["message"], "pong")
	_, hasStamp := out["timestamp"]
	assert.Assert(t, hasStamp)
}

func TestExecuteEcho(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/execute",
		map[string]interface{}{"command": "echo Hello from sandbox"}, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, out["stdout"], "Hello from sandbox\n")
	assert.Equal(t, out["stderr"], "")
	assert.Equal(t, out["exitCode"], float64(0))
	assert.Equal(t, out["success"], true)
}

func TestExecuteMissingCommand(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/execute", map[string]interface{}{}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, out["success"], false)
	assert.Equal(t, out["code"], "INVALID_REQUEST")
}

func TestEnvSetThenExecute(t *testing.T) {
	ts := testServer(t)
	status, _ := doJSON(t, ts, http.MethodPost, "/api/env/set",
		map[string]interface{}{"envVars": map[string]string{"NODE_ENV": "test", "API_KEY": "k"}}, nil)
	assert.Equal(t, status, http.StatusOK)

	status, out := doJSON(t, ts, http.MethodPost, "/api/execute",
		map[string]interface{}{"command": `echo "$NODE_ENV|$API_KEY"`}, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, out["stdout"], "test|k\n")
}

func TestExecuteTimeoutCode(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/execute",
		map[string]interface{}{"command": "sleep 5", "timeoutMs": 200}, nil)
	assert.Equal(t, status, http.StatusGatewayTimeout)
	assert.Equal(t, out["code"], "COMMAND_TIMEOUT")
}

func TestSessionIsolationViaHeaders(t *testing.T) {
	ts := testServer(t)
	_, out := doJSON(t, ts, http.MethodPost, "/api/session/create",
		map[string]interface{}{"id": "other"}, nil)
	assert.Equal(t, out["sessionId"], "other")

	// cd in the default session must not leak into "other"
	target := t.TempDir()
	status, _ := doJSON(t, ts, http.MethodPost, "/api/cwd",
		map[string]interface{}{"cwd": target}, nil)
	assert.Equal(t, status, http.StatusOK)

	_, def := doJSON(t, ts, http.MethodGet, "/api/cwd", nil, nil)
	assert.Equal(t, def["cwd"], target)

	_, other := doJSON(t, ts, http.MethodGet, "/api/cwd", nil,
		map[string]string{HeaderSessionID: "other"})
	assert.Assert(t, other["cwd"] != target)
}

func TestUnknownSessionHeader(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodGet, "/api/cwd", nil,
		map[string]string{HeaderSessionID: "ghost"})
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, out["code"], "INVALID_REQUEST")
}

func TestProcessLifecycleOverAPI(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/process/start",
		map[string]interface{}{"command": "sleep 60"}, nil)
	assert.Equal(t, status, http.StatusOK)
	id := out["id"].(string)
	assert.Assert(t, id != "")

	_, list := doJSON(t, ts, http.MethodGet, "/api/process/list", nil, nil)
	assert.Equal(t, list["count"], float64(1))

	status, _ = doJSON(t, ts, http.MethodDelete, "/api/process/"+id, nil, nil)
	assert.Equal(t, status, http.StatusOK)

	// poll until the status turns terminal
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, got := doJSON(t, ts, http.MethodGet, "/api/process/"+id, nil, nil)
		proc := got["process"].(map[string]interface{})
		if proc["status"] != "running" {
			assert.Equal(t, proc["status"], "killed")
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process did not terminate")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestProcessNotFound(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodGet, "/api/process/ghost", nil, nil)
	assert.Equal(t, status, http.StatusNotFound)
	assert.Equal(t, out["code"], "PROCESS_NOT_FOUND")
}

func TestPortExposeFlow(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/port/expose",
		map[string]interface{}{"port": 8080, "name": "web"}, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Assert(t, strings.Contains(out["url"].(string), "/preview/8080/sbx-test/"))

	status, _ = doJSON(t, ts, http.MethodPost, "/api/port/expose",
		map[string]interface{}{"port": 8080}, nil)
	assert.Equal(t, status, http.StatusConflict)

	_, list := doJSON(t, ts, http.MethodGet, "/api/exposed-ports", nil, nil)
	assert.Equal(t, list["count"], float64(1))

	status, out = doJSON(t, ts, http.MethodDelete, "/api/exposed-ports/9999", nil, nil)
	assert.Equal(t, status, http.StatusNotFound)
	assert.Equal(t, out["code"], "PORT_NOT_EXPOSED")

	status, _ = doJSON(t, ts, http.MethodDelete, "/api/exposed-ports/8080", nil, nil)
	assert.Equal(t, status, http.StatusOK)
}

func TestFileAPIRoundTrip(t *testing.T) {
	ts := testServer(t)
	status, _ := doJSON(t, ts, http.MethodPost, "/api/file/write",
		map[string]interface{}{"path": "notes.txt", "content": "remember"}, nil)
	assert.Equal(t, status, http.StatusOK)

	_, out := doJSON(t, ts, http.MethodPost, "/api/file/read",
		map[string]interface{}{"path": "notes.txt"}, nil)
	assert.Equal(t, out["content"], "remember")
	assert.Equal(t, out["encoding"], "utf-8")

	status, out = doJSON(t, ts, http.MethodPost, "/api/file/read",
		map[string]interface{}{"path": "missing.txt"}, nil)
	assert.Equal(t, status, http.StatusNotFound)
	assert.Equal(t, out["code"], "FILE_NOT_FOUND")
}

func TestCommandsAndVersion(t *testing.T) {
	ts := testServer(t)
	_, out := doJSON(t, ts, http.MethodGet, "/api/commands", nil, nil)
	assert.Assert(t, out["count"].(float64) > 20)

	_, out = doJSON(t, ts, http.MethodGet, "/api/version", nil, nil)
	assert.Assert(t, out["version"].(string) != "")
}

// readSSE consumes an SSE response body into its data payloads, stopping at
// the [DONE] sentinel.
func readSSE(t *testing.T, ts *httptest.Server, path string, body interface{}) []map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	assert.NilError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := ts.Client().Post(ts.URL+path, "application/json", &buf)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var events []map[string]interface{}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var ev map[string]interface{}
		assert.NilError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	return events
}

func TestExecStreamOverHTTP(t *testing.T) {
	ts := testServer(t)
	events := readSSE(t, ts, "/api/execStream",
		map[string]interface{}{"command": "for i in 1 2 3; do echo Line $i; done"})

	assert.Assert(t, len(events) >= 2)
	assert.Equal(t, events[0]["type"], "start")
	last := events[len(events)-1]
	assert.Equal(t, last["type"], "complete")
	assert.Equal(t, last["exitCode"], float64(0))

	var stdout strings.Builder
	for _, ev := range events {
		if ev["type"] == "stdout" {
			stdout.WriteString(ev["data"].(string))
		}
	}
	for i := 1; i <= 3; i++ {
		assert.Assert(t, strings.Contains(stdout.String(), fmt.Sprintf("Line %d", i)))
	}
}

func TestFileReadStreamOverHTTP(t *testing.T) {
	ts := testServer(t)
	_, _ = doJSON(t, ts, http.MethodPost, "/api/file/write",
		map[string]interface{}{"path": "stream.txt", "content": "streamed content"}, nil)

	events := readSSE(t, ts, "/api/file/read/stream",
		map[string]interface{}{"path": "stream.txt"})
	assert.Equal(t, events[0]["type"], "metadata")
	last := events[len(events)-1]
	assert.Equal(t, last["type"], "complete")
	assert.Equal(t, last["bytesRead"], float64(len("streamed content")))
}

func TestGitCloneInvalidURL(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/git/clone",
		map[string]interface{}{"repoUrl": "not a url"}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, out["code"], "INVALID_GIT_URL")
}

func TestCodeContextInvalidLanguage(t *testing.T) {
	ts := testServer(t)
	status, out := doJSON(t, ts, http.MethodPost, "/api/code/context/create",
		map[string]interface{}{"language": "fortran"}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, out["code"], "INVALID_LANGUAGE")
}
