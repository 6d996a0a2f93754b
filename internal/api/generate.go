package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"gwi.com/article-assistant/internal/assistant"
	"gwi.com/article-assistant/internal/stream"
)

// GenerateHandler proxies one request to the assistant. Streaming requests
// get server-sent events; everything else gets the collected response.
func (h *APIHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	prompt, err := assistant.BuildPrompt(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !req.Stream {
		resp, err := assistant.Collect(r.Context(), h.assistant, prompt)
		if err != nil {
			h.generationFailed(req.Task, err)
			writeError(w, http.StatusBadGateway, "Failed to generate response")
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.streamEvents(w, r, prompt)
}

// streamEvents sends headers with the first event. Until then a failure is
// still a plain 502; after it the stream just stops short of message_end.
func (h *APIHandler) streamEvents(w http.ResponseWriter, r *http.Request, prompt assistant.Prompt) {
	rc := http.NewResponseController(w)
	started := false

	send := func(ev stream.Event) error {
		if err := stream.WriteFrame(w, ev); err != nil {
			return err
		}
		return rc.Flush()
	}

	err := h.assistant.Chat(r.Context(), prompt, func(ev stream.Event) error {
		if !started {
			started = true
			hdr := w.Header()
			hdr.Set("Content-Type", "text/event-stream")
			hdr.Set("Cache-Control", "no-cache")
			hdr.Set("Connection", "keep-alive")
			hdr.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			if err := send(stream.Event{Type: stream.EventMessageStart}); err != nil {
				return err
			}
		}
		return send(ev)
	})
	if err == nil {
		return
	}

	h.generationFailed(prompt.Task, err)
	if !started {
		writeError(w, http.StatusBadGateway, "Failed to generate response")
	}
}

func (h *APIHandler) generationFailed(task string, err error) {
	if errors.Is(err, context.Canceled) {
		log.Printf("Client went away during generation for task %s", task)
		return
	}
	log.Printf("Error generating response for task %s: %v", task, err)
	kind := "upstream"
	if errors.Is(err, assistant.ErrIncomplete) {
		kind = "truncated_upstream"
	}
	h.reporter.ReportError(err, map[string]string{"kind": kind, "task": task, "source": "generate"})
}
