// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// mockSource mirrors the document metadata the client renders.
type mockSource struct {
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// frameWriter emits the wire frames the streaming client understands.
// Every frame is flushed immediately so deltas render as they arrive.
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	flusher, _ := w.(http.Flusher)
	return &frameWriter{w: w, flusher: flusher}
}

func (fw *frameWriter) writeLine(line string) error {
	if _, err := fmt.Fprintf(fw.w, "%s\n", line); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}

// writeDocs sends the retrieved document list as the first frame.
func (fw *frameWriter) writeDocs(sources []mockSource) error {
	payload, err := json.Marshal(map[string][]mockSource{"docs": sources})
	if err != nil {
		return err
	}
	return fw.writeLine("data: " + string(payload))
}

// writeDelta sends one answer fragment in the completion-chunk shape.
func (fw *frameWriter) writeDelta(text string) error {
	payload, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": text}},
		},
	})
	if err != nil {
		return err
	}
	return fw.writeLine("data: " + string(payload))
}

// writeDone sends the completion sentinel.
func (fw *frameWriter) writeDone() error {
	return fw.writeLine("data: [DONE]")
}

// writeServerError sends a typed error event followed by its message.
func (fw *frameWriter) writeServerError(message string) error {
	if err := fw.writeLine("event: error"); err != nil {
		return err
	}
	return fw.writeLine("data: " + message)
}
