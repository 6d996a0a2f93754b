package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gwi.com/article-assistant/internal/config"
	"gwi.com/article-assistant/internal/stream"
)

// ErrIncomplete means the upstream stream closed before its message_end.
var ErrIncomplete = errors.New("assistant stream ended without message_end")

// UpstreamError is a non-2xx answer from an assistant API.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Service, e.Status, e.Body)
}

// Pinecone streams from a Pinecone Assistant chat endpoint, whose event
// format matches the one this service re-emits.
type Pinecone struct {
	baseURL    string
	apiKey     string
	name       string
	model      string
	httpClient *http.Client
}

func NewPinecone(baseURL, apiKey, assistantName, model string, hc *http.Client) *Pinecone {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Pinecone{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		name:       assistantName,
		model:      model,
		httpClient: hc,
	}
}

type pineconeRequest struct {
	Messages []stream.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Model    string           `json:"model,omitempty"`
}

func (p *Pinecone) Chat(ctx context.Context, prompt Prompt, emit func(stream.Event) error) error {
	body, err := json.Marshal(pineconeRequest{Messages: prompt.Composed(), Stream: true, Model: p.model})
	if err != nil {
		return fmt.Errorf("failed to marshal pinecone request: %w", err)
	}

	url := p.baseURL + "/assistant/chat/" + p.name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build pinecone request: %w", err)
	}
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &UpstreamError{Service: "Pinecone", Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return ErrIncomplete
		}
		if err != nil {
			return fmt.Errorf("pinecone stream failed: %w", err)
		}

		switch ev.Type {
		case stream.EventContentChunk, stream.EventCitation:
			if err := emit(ev); err != nil {
				return err
			}
		case stream.EventMessageEnd:
			config.Debugf("Pinecone stream for task %s finished, %d lines skipped", prompt.Task, dec.Skipped)
			return emit(stream.MessageEnd())
		}
	}
}
