// Package relay moves upstream responses to clients: byte-transparent SSE
// forwarding with out-of-band usage capture, idle heartbeats and error
// coercion, plus the non-streaming dispatch pipeline.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"sync"
	"time"

	"llmrelay/internal/dialect"
	"llmrelay/internal/monitoring"
	"llmrelay/internal/relayerr"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// FlushWriter is the client-side stream sink. gin.ResponseWriter satisfies
// it.
type FlushWriter interface {
	io.Writer
	Flush()
}

// eventBoundary splits an SSE byte stream into complete events, tolerating
// both \n\n and \r\n\r\n separators.
var eventBoundary = regexp.MustCompile(`\r?\n\r?\n`)

// StreamRelay forwards one upstream SSE body to one client.
type StreamRelay struct {
	// Extract reads usage figures from each JSON data payload.
	Extract func(payload []byte) dialect.Usage
	// UnwrapEnvelope rewrites Cloud Code {response:{...}} events to their
	// inner object so clients see standard Gemini format. OAuth paths only.
	UnwrapEnvelope bool
	// Transform rewrites each JSON data payload after envelope unwrap,
	// before forwarding. A false return drops the event. Nil forwards
	// payloads untouched.
	Transform func(payload []byte) ([]byte, bool)
	// Terminator is an extra data payload emitted at clean upstream EOF,
	// for dialects whose clients expect one ([DONE]) from upstreams that
	// never send it.
	Terminator []byte
	// HeartbeatInterval is the idle gap before a keepalive newline. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// Dialect labels metrics.
	Dialect string
}

// Run pumps upstream to the client until EOF, upstream error or ctx
// cancellation. Returns the accumulated usage; the caller reports it at most
// once. On mid-stream failure the client receives a synthetic error event
// and a [DONE] terminator so it never observes a half-open stream.
func (r *StreamRelay) Run(ctx context.Context, w FlushWriter, upstream io.Reader) (dialect.Usage, error) {
	var (
		mu        sync.Mutex
		lastChunk = time.Now()
		usage     dialect.Usage
	)

	heartbeatDone := make(chan struct{})
	if r.HeartbeatInterval > 0 {
		go func() {
			ticker := time.NewTicker(r.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatDone:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					mu.Lock()
					idle := time.Since(lastChunk) >= r.HeartbeatInterval
					if idle {
						if _, err := w.Write([]byte("\n")); err == nil {
							w.Flush()
							monitoring.SSEHeartbeatsTotal.Inc()
						}
					}
					mu.Unlock()
				}
			}
		}()
	}
	defer close(heartbeatDone)

	var sseBuffer []byte
	chunk := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return usage, err
		}
		n, err := upstream.Read(chunk)
		if n > 0 {
			mu.Lock()
			lastChunk = time.Now()
			sseBuffer = append(sseBuffer, chunk[:n]...)
			sseBuffer = r.drainEvents(sseBuffer, w, &usage)
			w.Flush()
			mu.Unlock()
		}
		if err == io.EOF {
			// a trailing partial event without terminator still reaches the client
			if len(bytes.TrimSpace(sseBuffer)) > 0 {
				mu.Lock()
				r.handleEvent(sseBuffer, w, &usage)
				w.Flush()
				mu.Unlock()
			}
			if len(r.Terminator) > 0 {
				mu.Lock()
				r.writeData(w, r.Terminator)
				w.Flush()
				mu.Unlock()
			}
			return usage, nil
		}
		if err != nil {
			mu.Lock()
			r.writeSyntheticError(w, relayerr.New(502, relayerr.TypeStreamError, "UPSTREAM_STREAM_ERROR", err.Error()))
			mu.Unlock()
			return usage, err
		}
	}
}

// drainEvents splits off every complete event in buf, handles each, and
// returns the trailing partial.
func (r *StreamRelay) drainEvents(buf []byte, w FlushWriter, usage *dialect.Usage) []byte {
	for {
		loc := eventBoundary.FindIndex(buf)
		if loc == nil {
			return buf
		}
		r.handleEvent(buf[:loc[0]], w, usage)
		buf = buf[loc[1]:]
	}
}

// handleEvent processes one complete SSE event block.
func (r *StreamRelay) handleEvent(evt []byte, w FlushWriter, usage *dialect.Usage) {
	monitoring.SSEEventsTotal.WithLabelValues(r.Dialect).Inc()

	payload, hasData := dataPayload(evt)
	if !hasData {
		// comment or bare event line: forward untouched
		r.writeRaw(w, evt)
		return
	}
	if bytes.Equal(payload, []byte("[DONE]")) || !gjson.ValidBytes(payload) {
		r.writeData(w, payload)
		return
	}

	if r.Extract != nil {
		*usage = usage.Merge(r.Extract(payload))
	}

	rewritten := false
	if r.UnwrapEnvelope {
		if inner := gjson.GetBytes(payload, "response"); inner.Exists() && inner.IsObject() {
			payload = []byte(inner.Raw)
			rewritten = true
		}
	}
	if r.Transform != nil {
		next, keep := r.Transform(payload)
		if !keep {
			return
		}
		payload = next
		rewritten = true
	}
	if rewritten {
		r.writeData(w, payload)
		return
	}
	r.writeRaw(w, evt)
}

// dataPayload concatenates the data: lines of an event block.
func dataPayload(evt []byte) ([]byte, bool) {
	var payload []byte
	found := false
	for _, line := range bytes.Split(evt, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		found = true
		part := bytes.TrimPrefix(line, []byte("data:"))
		part = bytes.TrimPrefix(part, []byte(" "))
		if len(payload) > 0 {
			payload = append(payload, '\n')
		}
		payload = append(payload, part...)
	}
	return payload, found
}

func (r *StreamRelay) writeRaw(w FlushWriter, evt []byte) {
	if _, err := w.Write(append(evt, '\n', '\n')); err != nil {
		log.WithError(err).Debug("client write failed")
	}
}

func (r *StreamRelay) writeData(w FlushWriter, payload []byte) {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return
	}
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

// writeSyntheticError emits the error-then-DONE epilogue used once headers
// are already flushed.
func (r *StreamRelay) writeSyntheticError(w FlushWriter, e *relayerr.Error) {
	body, err := json.Marshal(relayerr.Envelope{Error: e})
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n\ndata: [DONE]\n\n"))
	w.Flush()
}

// WriteStreamError exposes the synthetic epilogue for callers that detect
// failures outside Run (upstream non-200 after headers were flushed).
func WriteStreamError(w FlushWriter, e *relayerr.Error) {
	(&StreamRelay{}).writeSyntheticError(w, e)
}
