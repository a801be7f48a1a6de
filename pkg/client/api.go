// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ExecResult is the outcome of a blocking command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// Exec runs command in the addressed session and waits for completion.
// A zero timeout uses the server default.
func (c *Client) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	out := &ExecResult{}
	err := c.doJSON(ctx, http.MethodPost, "/api/execute", map[string]interface{}{
		"command":   command,
		"timeoutMs": timeout.Milliseconds(),
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvent is one event of a streaming execution.
type StreamEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Command   string      `json:"command,omitempty"`
	Data      string      `json:"data,omitempty"`
	ExitCode  *int        `json:"exitCode,omitempty"`
	Result    *ExecResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ExecStream runs command and delivers each stream event to handler.
func (c *Client) ExecStream(ctx context.Context, command string, handler func(StreamEvent) error) error {
	return c.stream(ctx, http.MethodPost, "/api/execStream", map[string]interface{}{
		"command": command,
	}, func(raw json.RawMessage) error {
		var ev StreamEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		return handler(ev)
	})
}

// CreateSession creates a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, id, cwd string, env map[string]string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/session/create", map[string]interface{}{
		"id":  id,
		"cwd": cwd,
		"env": env,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SetEnv applies environment variables to the addressed session.
func (c *Client) SetEnv(ctx context.Context, envVars map[string]string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/env/set", map[string]interface{}{
		"envVars": envVars,
	}, nil)
}

// GetCwd reports the session working directory.
func (c *Client) GetCwd(ctx context.Context) (string, error) {
	var out struct {
		Cwd string `json:"cwd"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/cwd", nil, &out); err != nil {
		return "", err
	}
	return out.Cwd, nil
}

// SetCwd moves the session working directory.
func (c *Client) SetCwd(ctx context.Context, cwd string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/cwd", map[string]interface{}{"cwd": cwd}, nil)
}

// WriteFile writes content to path. encoding may be "" (utf-8) or "base64".
func (c *Client) WriteFile(ctx context.Context, path, content, encoding string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/file/write", map[string]interface{}{
		"path": path, "content": content, "encoding": encoding,
	}, nil)
}

// FileContent is a read file with its encoding decision.
type FileContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	IsBinary bool   `json:"isBinary"`
}

// ReadFile reads path.
func (c *Client) ReadFile(ctx context.Context, path string) (*FileContent, error) {
	out := &FileContent{}
	err := c.doJSON(ctx, http.MethodPost, "/api/file/read", map[string]interface{}{"path": path}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, path string, recursive bool) error {
	return c.doJSON(ctx, http.MethodPost, "/api/file/mkdir", map[string]interface{}{
		"path": path, "recursive": recursive,
	}, nil)
}

// DeleteFile removes a path.
func (c *Client) DeleteFile(ctx context.Context, path string, recursive bool) error {
	return c.doJSON(ctx, http.MethodPost, "/api/file/delete", map[string]interface{}{
		"path": path, "recursive": recursive,
	}, nil)
}

// RenameFile renames oldPath to newPath.
func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/file/rename", map[string]interface{}{
		"oldPath": oldPath, "newPath": newPath,
	}, nil)
}

// MoveFile relocates sourcePath to targetPath.
func (c *Client) MoveFile(ctx context.Context, sourcePath, targetPath string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/file/move", map[string]interface{}{
		"sourcePath": sourcePath, "targetPath": targetPath,
	}, nil)
}

// FileExists reports whether path exists.
func (c *Client) FileExists(ctx context.Context, path string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/file/exists", map[string]interface{}{"path": path}, &out)
	if err != nil {
		return false, err
	}
	return out.Exists, nil
}

// Process is a background process snapshot.
type Process struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	PID       int        `json:"pid"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// StartProcess starts a detached background process.
func (c *Client) StartProcess(ctx context.Context, command, processID string) (*Process, error) {
	var out struct {
		Process Process `json:"process"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/process/start", map[string]interface{}{
		"command": command, "processId": processID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Process, nil
}

// ListProcesses lists every background process in the sandbox.
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var out struct {
		Processes []Process `json:"processes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/process/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

// GetProcess returns one process snapshot.
func (c *Client) GetProcess(ctx context.Context, id string) (*Process, error) {
	var out struct {
		Process Process `json:"process"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/process/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Process, nil
}

// KillProcess sends SIGTERM to a background process.
func (c *Client) KillProcess(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/process/"+url.PathEscape(id), nil, nil)
}

// KillAllProcesses kills every running process, returning how many.
func (c *Client) KillAllProcesses(ctx context.Context) (int, error) {
	var out struct {
		CleanedCount int `json:"cleanedCount"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/process/kill-all", nil, &out); err != nil {
		return 0, err
	}
	return out.CleanedCount, nil
}

// ProcessLogs is a point in time log snapshot.
type ProcessLogs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// GetProcessLogs snapshots a process's captured output.
func (c *Client) GetProcessLogs(ctx context.Context, id string) (*ProcessLogs, error) {
	out := &ProcessLogs{}
	if err := c.doJSON(ctx, http.MethodGet, "/api/process/"+url.PathEscape(id)+"/logs", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogEvent is one event of a process log stream.
type LogEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

// StreamProcessLogs follows a process's output until it exits.
func (c *Client) StreamProcessLogs(ctx context.Context, id string, handler func(LogEvent) error) error {
	return c.stream(ctx, http.MethodGet, "/api/process/"+url.PathEscape(id)+"/stream", nil,
		func(raw json.RawMessage) error {
			var ev LogEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			return handler(ev)
		})
}

// ExposedPort is one exposed port entry.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url"`
	ExposedAt time.Time `json:"exposedAt"`
}

// ExposePort makes a user port externally addressable.
func (c *Client) ExposePort(ctx context.Context, port int, name string) (*ExposedPort, error) {
	out := &ExposedPort{}
	err := c.doJSON(ctx, http.MethodPost, "/api/port/expose", map[string]interface{}{
		"port": port, "name": name,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnexposePort withdraws an exposure.
func (c *Client) UnexposePort(ctx context.Context, port int) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/exposed-ports/"+strconv.Itoa(port), nil, nil)
}

// ListPorts lists current exposures.
func (c *Client) ListPorts(ctx context.Context) ([]ExposedPort, error) {
	var out struct {
		Ports []ExposedPort `json:"ports"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/exposed-ports", nil, &out); err != nil {
		return nil, err
	}
	return out.Ports, nil
}

// GitClone clones a repository into the sandbox.
func (c *Client) GitClone(ctx context.Context, repoURL, branch, targetDir string) (string, error) {
	var out struct {
		TargetDir string `json:"targetDir"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/git/clone", map[string]interface{}{
		"repoUrl": repoURL, "branch": branch, "targetDir": targetDir,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TargetDir, nil
}

// CodeContext is an interpreter context snapshot.
type CodeContext struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// CreateCodeContext creates an interpreter context for language.
func (c *Client) CreateCodeContext(ctx context.Context, language, cwd string, envVars map[string]string) (*CodeContext, error) {
	out := &CodeContext{}
	err := c.doJSON(ctx, http.MethodPost, "/api/code/context/create", map[string]interface{}{
		"language": language, "cwd": cwd, "envVars": envVars,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListCodeContexts lists interpreter contexts.
func (c *Client) ListCodeContexts(ctx context.Context) ([]CodeContext, error) {
	var out struct {
		Contexts []CodeContext `json:"contexts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/code/context/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Contexts, nil
}

// DeleteCodeContext deletes an interpreter context.
func (c *Client) DeleteCodeContext(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/code/context/"+url.PathEscape(id), nil, nil)
}

// CodeResult is the aggregate outcome of a code execution.
type CodeResult struct {
	Context string `json:"context"`
	Logs    struct {
		Stdout []string `json:"stdout"`
		Stderr []string `json:"stderr"`
	} `json:"logs"`
	Error *struct {
		Name      string   `json:"name"`
		Value     string   `json:"value"`
		Traceback []string `json:"traceback"`
	} `json:"error"`
	Results []map[string]interface{} `json:"results"`
}

// RunCode executes code in the given context and aggregates the outcome.
func (c *Client) RunCode(ctx context.Context, contextID, code string) (*CodeResult, error) {
	out := &CodeResult{}
	err := c.doJSON(ctx, http.MethodPost, "/api/code/execute", map[string]interface{}{
		"code": code,
		"options": map[string]interface{}{
			"context": contextID,
		},
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CodeEvent is one event of a streaming code execution.
type CodeEvent struct {
	Type           string   `json:"type"`
	Timestamp      string   `json:"timestamp,omitempty"`
	Text           string   `json:"text,omitempty"`
	Ename          string   `json:"ename,omitempty"`
	Evalue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
	HTML           string   `json:"html,omitempty"`
	PNG            string   `json:"png,omitempty"`
	ExecutionCount *int     `json:"execution_count,omitempty"`
}

// RunCodeStream executes code delivering events to handler.
func (c *Client) RunCodeStream(ctx context.Context, contextID, code string, handler func(CodeEvent) error) error {
	return c.stream(ctx, http.MethodPost, "/api/code/execute/stream", map[string]interface{}{
		"code": code,
		"options": map[string]interface{}{
			"context": contextID,
		},
	}, func(raw json.RawMessage) error {
		var ev CodeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		return handler(ev)
	})
}

// Ping checks control plane liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/ping", nil, nil)
}

// Version reports the control plane version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Destroy tears down all sandbox state.
func (c *Client) Destroy(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/destroy", nil, nil)
}
