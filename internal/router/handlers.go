package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/translate"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGenericError(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	var req translate.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeGenericError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	backend, err := s.resolveModel(req.Model)
	if err != nil {
		status := apperr.StatusCode(err)
		s.logRequest(start, "/v1/chat/completions", r.Method, req.Model, "", status, err.Error())
		writeGenericError(w, status, "no running backend matches model", err)
		return
	}

	if req.Stream {
		if err := s.proxyStream(r.Context(), w, backend, "/v1/chat/completions", body); err != nil {
			s.logRequest(start, "/v1/chat/completions", r.Method, req.Model, backendAddr(backend), http.StatusBadGateway, err.Error())
			return
		}
		s.logRequest(start, "/v1/chat/completions", r.Method, req.Model, backendAddr(backend), http.StatusOK, chatPrompt(&req))
		return
	}

	s.proxyJSON(r.Context(), w, backend, "/v1/chat/completions", body)
	s.logRequest(start, "/v1/chat/completions", r.Method, req.Model, backendAddr(backend), http.StatusOK, chatPrompt(&req))
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGenericError(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	var req translate.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeGenericError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	backend, err := s.resolveModel(req.Model)
	if err != nil {
		writeGenericError(w, apperr.StatusCode(err), "no running backend matches model", err)
		return
	}
	if !backend.Embeddings {
		s.logRequest(start, "/v1/embeddings", r.Method, req.Model, backendAddr(backend), http.StatusBadRequest, "backend does not support embeddings")
		writeGenericError(w, http.StatusBadRequest, "backend does not support embeddings", nil)
		return
	}

	s.proxyJSON(r.Context(), w, backend, "/v1/embeddings", body)
	s.logRequest(start, "/v1/embeddings", r.Method, req.Model, backendAddr(backend), http.StatusOK, "")
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req translate.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGenericError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": translate.EstimateTokens(translate.TotalChars(&req))})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r)

	var req translate.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error(), requestID)
		return
	}

	backend, err := s.resolveModel(req.Model)
	if err != nil {
		status := apperr.StatusCode(err)
		errType := "api_error"
		if status == http.StatusNotFound {
			errType = "not_found_error"
		}
		s.logRequest(start, "/v1/messages", r.Method, req.Model, "", status, err.Error())
		writeAnthropicError(w, status, errType, err.Error(), requestID)
		return
	}

	chatReq := translate.ToChatCompletionRequest(&req)
	chatReq.Stream = req.Stream
	body, err := json.Marshal(chatReq)
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, "api_error", err.Error(), requestID)
		return
	}

	if req.Stream {
		s.handleMessagesStream(r.Context(), w, backend, body, &req, start, requestID)
		return
	}

	upstreamResp, err := s.doProxyRequest(r.Context(), backend, "/v1/chat/completions", body)
	if err != nil {
		status := http.StatusBadGateway
		if classifyProxyErr(err) == errTimeout {
			status = http.StatusGatewayTimeout
		}
		s.logRequest(start, "/v1/messages", r.Method, req.Model, backendAddr(backend), status, err.Error())
		writeAnthropicError(w, status, "api_error", err.Error(), requestID)
		return
	}
	defer upstreamResp.Body.Close()

	var chatResp translate.ChatCompletionResponse
	if err := json.NewDecoder(upstreamResp.Body).Decode(&chatResp); err != nil {
		writeAnthropicError(w, http.StatusBadGateway, "api_error", "invalid upstream response", requestID)
		return
	}
	msgResp := translate.ToMessagesResponse(&chatResp, req.Model)
	writeJSON(w, http.StatusOK, msgResp)
	s.logRequest(start, "/v1/messages", r.Method, req.Model, backendAddr(backend), http.StatusOK, prompt(&req))
}

func (s *Server) handleMessagesStream(ctx context.Context, w http.ResponseWriter, backend backendView, body []byte, req *translate.MessagesRequest, start time.Time, requestID string) {
	upstreamResp, err := s.doProxyRequest(ctx, backend, "/v1/chat/completions", body)
	if err != nil {
		status := http.StatusBadGateway
		if classifyProxyErr(err) == errTimeout {
			status = http.StatusGatewayTimeout
		}
		s.logRequest(start, "/v1/messages", http.MethodPost, req.Model, backendAddr(backend), status, err.Error())
		writeAnthropicError(w, status, "api_error", err.Error(), requestID)
		return
	}
	defer upstreamResp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	estimatedInput := translate.EstimateTokens(translate.TotalChars(req))
	conv := translate.NewStreamConverter(req.Model, estimatedInput)
	if err := translate.Convert(ctx, upstreamResp.Body, w, conv); err != nil {
		s.logRequest(start, "/v1/messages", http.MethodPost, req.Model, backendAddr(backend), http.StatusBadGateway, err.Error())
		return
	}
	s.logRequest(start, "/v1/messages", http.MethodPost, req.Model, backendAddr(backend), http.StatusOK, prompt(req))
}

// doProxyRequest issues a JSON POST against backend and returns the raw
// upstream response for the caller to decode or stream further.
func (s *Server) doProxyRequest(ctx context.Context, backend backendView, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyTarget(backend, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return s.client.Do(httpReq)
}

// resolveModel matches the requested model against running backends. A
// model that only matches a stopped backend is BackendDown (503), not
// NotFound: the lookup succeeded, the process just isn't up.
func (s *Server) resolveModel(model string) (backendView, error) {
	running, stopped, err := s.backendViews()
	if err != nil {
		return backendView{}, err
	}
	if backend, ok := findBackend(running, model); ok {
		return backend, nil
	}
	if _, ok := findBackend(stopped, model); ok {
		return backendView{}, apperr.BackendDown("backend for model %q is not running", model)
	}
	return backendView{}, apperr.NotFound("no backend matches model %q", model)
}

func backendAddr(b backendView) string {
	host := b.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(b.Port)
}

// logRequest records one structured entry. detail is the error message on
// a failure (statusCode >= 400) or the logged prompt excerpt on success.
func (s *Server) logRequest(start time.Time, endpoint, method, model, backend string, statusCode int, detail string) {
	entry := requestLogEntry{
		Model: model, Endpoint: endpoint, Method: method, Status: "success",
		StatusCode: statusCode, DurationMs: time.Since(start).Milliseconds(),
		Backend: backend,
	}
	if statusCode >= 400 {
		entry.Status = "error"
		entry.Error = detail
	} else {
		entry.Prompt = detail
	}
	s.reqLog.log(entry)
}

func requestIDFrom(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

// prompt extracts the last user message's text for the request log.
func prompt(req *translate.MessagesRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		switch v := req.Messages[i].Content.(type) {
		case string:
			return lastUserMessagePrompt(v)
		case []any:
			for _, item := range v {
				if block, ok := item.(map[string]any); ok {
					if text, ok := block["text"].(string); ok {
						return lastUserMessagePrompt(text)
					}
				}
			}
		}
		return ""
	}
	return ""
}

// chatPrompt is prompt's OpenAI-shaped counterpart.
func chatPrompt(req *translate.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return lastUserMessagePrompt(req.Messages[i].Content)
		}
	}
	return ""
}

func writeAnthropicError(w http.ResponseWriter, status int, errType, message, requestID string) {
	writeJSON(w, status, translate.ToAnthropicError(errType, message, requestID))
}
