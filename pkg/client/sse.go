// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// doneSentinel marks logical end of stream.
const doneSentinel = "[DONE]"

// consumeSSE reads server-sent events from body and hands each data payload
// to handler. Blank lines and ":" comment lines are skipped; malformed JSON
// payloads are logged and dropped. Cancelling ctx closes the body, which
// releases the blocked reader on every exit path.
func consumeSSE(ctx context.Context, body io.ReadCloser, handler func(json.RawMessage) error) error {
	defer body.Close()

	// unblock the scanner on cancellation
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchDone:
		}
	}()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			return nil
		}
		if !json.Valid([]byte(payload)) {
			sylog.Debugf("Dropping malformed SSE payload: %.120s", payload)
			continue
		}
		if err := handler(json.RawMessage(payload)); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return nil
}
