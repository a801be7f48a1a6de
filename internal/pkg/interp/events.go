// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package interp

import "time"

// Stream event discriminators.
const (
	EventStdout   = "stdout"
	EventStderr   = "stderr"
	EventResult   = "result"
	EventError    = "error"
	EventComplete = "execution_complete"
)

// Chart is a structured chart payload attached to a rich result.
type Chart struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
	Options interface{} `json:"options,omitempty"`
}

// Event is one element of a streaming code execution. Callers inspect
// whichever fields are non-empty for the event type.
type Event struct {
	Type           string                 `json:"type"`
	Timestamp      string                 `json:"timestamp,omitempty"`
	Text           string                 `json:"text,omitempty"`
	Ename          string                 `json:"ename,omitempty"`
	Evalue         string                 `json:"evalue,omitempty"`
	Traceback      []string               `json:"traceback,omitempty"`
	HTML           string                 `json:"html,omitempty"`
	PNG            string                 `json:"png,omitempty"`
	JPEG           string                 `json:"jpeg,omitempty"`
	SVG            string                 `json:"svg,omitempty"`
	Latex          string                 `json:"latex,omitempty"`
	Markdown       string                 `json:"markdown,omitempty"`
	JavaScript     string                 `json:"javascript,omitempty"`
	JSON           interface{}            `json:"json,omitempty"`
	Chart          *Chart                 `json:"chart,omitempty"`
	Data           interface{}            `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
}

// RichResult is the aggregate form of a result event.
type RichResult struct {
	Text           string                 `json:"text,omitempty"`
	HTML           string                 `json:"html,omitempty"`
	PNG            string                 `json:"png,omitempty"`
	JPEG           string                 `json:"jpeg,omitempty"`
	SVG            string                 `json:"svg,omitempty"`
	Latex          string                 `json:"latex,omitempty"`
	Markdown       string                 `json:"markdown,omitempty"`
	JavaScript     string                 `json:"javascript,omitempty"`
	JSON           interface{}            `json:"json,omitempty"`
	Chart          *Chart                 `json:"chart,omitempty"`
	Data           interface{}            `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExecutionCount int                    `json:"execution_count,omitempty"`
}

// ExecError describes a raised exception in executed code.
type ExecError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

// ExecOutput is the non-streaming aggregate of a code execution.
type ExecOutput struct {
	Logs    ExecLogs     `json:"logs"`
	Error   *ExecError   `json:"error,omitempty"`
	Results []RichResult `json:"results"`
}

// ExecLogs collects the stream chunks emitted during execution.
type ExecLogs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// eventFromMsg converts a kernel wire message into an API event.
func eventFromMsg(m kernelMsg) Event {
	ev := Event{Type: m.Type, Timestamp: stamp()}
	switch m.Type {
	case EventStdout, EventStderr:
		ev.Text = m.Text
	case EventError:
		ev.Ename = m.Ename
		ev.Evalue = m.Evalue
		ev.Traceback = m.Traceback
	case EventResult:
		if s, ok := m.Data["text/plain"].(string); ok {
			ev.Text = s
		}
		if s, ok := m.Data["text/html"].(string); ok {
			ev.HTML = s
		}
		if s, ok := m.Data["image/png"].(string); ok {
			ev.PNG = s
		}
		if s, ok := m.Data["image/jpeg"].(string); ok {
			ev.JPEG = s
		}
		if s, ok := m.Data["image/svg+xml"].(string); ok {
			ev.SVG = s
		}
		if s, ok := m.Data["text/latex"].(string); ok {
			ev.Latex = s
		}
		if s, ok := m.Data["text/markdown"].(string); ok {
			ev.Markdown = s
		}
		if s, ok := m.Data["application/javascript"].(string); ok {
			ev.JavaScript = s
		}
		if v, ok := m.Data["application/json"]; ok {
			ev.JSON = v
		}
		count := m.ExecutionCount
		ev.ExecutionCount = &count
	case EventComplete:
		count := m.ExecutionCount
		ev.ExecutionCount = &count
	}
	return ev
}

// resultFromEvent converts a result event to its aggregate form.
func resultFromEvent(ev Event) RichResult {
	r := RichResult{
		Text:       ev.Text,
		HTML:       ev.HTML,
		PNG:        ev.PNG,
		JPEG:       ev.JPEG,
		SVG:        ev.SVG,
		Latex:      ev.Latex,
		Markdown:   ev.Markdown,
		JavaScript: ev.JavaScript,
		JSON:       ev.JSON,
		Chart:      ev.Chart,
		Data:       ev.Data,
		Metadata:   ev.Metadata,
	}
	if ev.ExecutionCount != nil {
		r.ExecutionCount = *ev.ExecutionCount
	}
	return r
}
