package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// proxyTarget rewrites a backend's bind host to a dialable address: a
// backend that binds 0.0.0.0 is only reachable via loopback, since
// 0.0.0.0 is a bind address, never a destination.
func proxyTarget(b backendView, path string) string {
	host := b.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d%s", host, b.Port, path)
}

// errKind classifies a proxy failure for HTTP status mapping: timeouts
// become 504, everything else reaching the backend becomes 502.
type errKind int

const (
	errUpstream errKind = iota
	errTimeout
)

func classifyProxyErr(err error) errKind {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errTimeout
	}
	return errUpstream
}

// proxyJSON sends body to the backend's path and copies the response
// back verbatim (status + body), used for non-streaming requests.
func (s *Server) proxyJSON(ctx context.Context, w http.ResponseWriter, b backendView, path string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyTarget(b, path), bytes.NewReader(body))
	if err != nil {
		writeGenericError(w, http.StatusInternalServerError, "failed to build upstream request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if classifyProxyErr(err) == errTimeout {
			status = http.StatusGatewayTimeout
		}
		writeGenericError(w, status, "backend request failed", err)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// proxyStream forwards a streaming response through a 4 KB read buffer,
// flushing after every read, used directly for OpenAI-shaped streaming
// endpoints (chat completions) where no translation is needed.
func (s *Server) proxyStream(ctx context.Context, w http.ResponseWriter, b backendView, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyTarget(b, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeGenericError renders the generic {error, details, code} shape
// used on every path except /v1/messages*, which uses the Anthropic
// envelope instead (see writeAnthropicError).
func writeGenericError(w http.ResponseWriter, status int, msg string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg, "details": details, "code": status})
}

// lastUserMessagePrompt extracts up to 50 characters from the last
// user-role message's text content, with newlines flattened to spaces,
// for the structured request log.
func lastUserMessagePrompt(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if runes := []rune(text); len(runes) > 50 {
		text = string(runes[:50])
	}
	return text
}
