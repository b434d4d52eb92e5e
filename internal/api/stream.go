package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/walle-ai/walle/internal/protocol"
)

// streamVersionHeader marks the chat response as speaking the expected
// UI message stream protocol. Its absence is a warning, not an error,
// so newer servers that drop the header keep working.
const streamVersionHeader = "x-vercel-ai-ui-message-stream"

// Chat opens one streaming chat turn and yields decoded protocol events
// in arrival order. The sequence ends with a non-nil error on transport
// failure, or cleanly when the stream closes. Cancel ctx to abort the
// turn; cancellation surfaces as ctx.Err() at the next chunk read.
func (c *Client) Chat(ctx context.Context, request ChatRequest) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		body, err := json.Marshal(request)
		if err != nil {
			yield(protocol.Event{}, fmt.Errorf("encode chat request: %w", err))
			return
		}

		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
		if err != nil {
			yield(protocol.Event{}, fmt.Errorf("create chat request: %w", err))
			return
		}
		httpRequest.Header.Set("Content-Type", "application/json")
		httpRequest.Header.Set("Accept", "text/event-stream")
		httpRequest.Header.Set(AuthHeader, c.token)

		// Streaming responses must not be bounded by the default client
		// timeout; lifetime is governed by ctx instead.
		httpClient := &http.Client{Transport: c.httpClient.Transport}

		response, err := httpClient.Do(httpRequest)
		if err != nil {
			yield(protocol.Event{}, fmt.Errorf("send chat request: %w", err))
			return
		}
		defer func() {
			if closeErr := response.Body.Close(); closeErr != nil {
				c.logger.Warn("failed to close chat stream body", "error", closeErr)
			}
		}()

		if response.StatusCode == http.StatusUnauthorized {
			c.fireAuthInvalidated()
			yield(protocol.Event{}, fmt.Errorf("chat: %w", ErrUnauthorized))
			return
		}
		if response.StatusCode != http.StatusOK {
			yield(protocol.Event{}, readAPIError(response))
			return
		}
		if response.Header.Get(streamVersionHeader) != "v1" {
			c.logger.Warn("chat response missing stream version header", "header", streamVersionHeader)
		}

		decoder := protocol.NewDecoder(c.logger)
		buf := make([]byte, 4096)
		for {
			n, readErr := response.Body.Read(buf)
			if n > 0 {
				for _, event := range decoder.Feed(string(buf[:n])) {
					if !yield(event, nil) {
						return
					}
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				// Context cancellation surfaces here as the read error.
				if ctx.Err() != nil {
					yield(protocol.Event{}, ctx.Err())
					return
				}
				yield(protocol.Event{}, fmt.Errorf("read chat stream: %w", readErr))
				return
			}
		}
	}
}

// SyncJobs triggers the server's full-catalog job sync and follows its
// SSE progress stream. The progress callback (optional) receives every
// frame; the final frame is returned. Resolves when the server reports
// complete, fails when it reports error or the transport drops.
func (c *Client) SyncJobs(ctx context.Context, onProgress func(SyncProgress)) (*SyncProgress, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("create sync request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set(AuthHeader, c.token)

	httpClient := &http.Client{Transport: c.httpClient.Transport}
	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close sync stream body", "error", closeErr)
		}
	}()

	if response.StatusCode == http.StatusUnauthorized {
		c.fireAuthInvalidated()
		return nil, fmt.Errorf("jobs sync: %w", ErrUnauthorized)
	}
	if response.StatusCode != http.StatusOK {
		return nil, readAPIError(response)
	}

	reader := bufio.NewReader(response.Body)
	var data string
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		case line == "" && data != "":
			var progress SyncProgress
			if err := json.Unmarshal([]byte(data), &progress); err != nil {
				c.logger.Warn("dropping malformed sync progress frame", "error", err)
				data = ""
				break
			}
			data = ""
			if onProgress != nil {
				onProgress(progress)
			}
			switch progress.Status {
			case "complete":
				return &progress, nil
			case "error":
				return nil, fmt.Errorf("jobs sync failed on server: %s", progress.Error)
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if readErr == io.EOF {
				return nil, fmt.Errorf("jobs sync stream ended before completion")
			}
			return nil, fmt.Errorf("read sync stream: %w", readErr)
		}
	}
}
