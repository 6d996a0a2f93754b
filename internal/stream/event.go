package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"gwi.com/article-assistant/internal/citation"
)

type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventContentChunk EventType = "content_chunk"
	EventCitation     EventType = "citation"
	EventMessageEnd   EventType = "message_end"
)

// Event is one frame of the generation stream. Delta is set for content
// chunks and Citation for citation events; message_end carries neither.
type Event struct {
	Type     EventType
	Delta    string
	Citation *citation.Citation
}

func ContentChunk(delta string) Event {
	return Event{Type: EventContentChunk, Delta: delta}
}

func CitationEvent(c citation.Citation) Event {
	return Event{Type: EventCitation, Citation: &c}
}

func MessageEnd() Event {
	return Event{Type: EventMessageEnd}
}

type wireDelta struct {
	Content string `json:"content"`
}

type wireFile struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	URL       string `json:"url,omitempty"`
	SignedURL string `json:"signed_url,omitempty"`
}

type wireReference struct {
	File  wireFile `json:"file"`
	Pages []int    `json:"pages"`
}

type wireCitation struct {
	Position   float64         `json:"position"`
	References []wireReference `json:"references"`
}

type wireEvent struct {
	Type     EventType     `json:"type"`
	Delta    *wireDelta    `json:"delta,omitempty"`
	Citation *wireCitation `json:"citation,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	if e.Type == EventContentChunk {
		w.Delta = &wireDelta{Content: e.Delta}
	}
	if e.Citation != nil {
		wc := &wireCitation{Position: float64(e.Citation.Position)}
		for _, ref := range e.Citation.References {
			wc.References = append(wc.References, wireReference{
				File:  wireFile{Name: ref.File.Name, ID: ref.File.ID, URL: ref.File.URL},
				Pages: ref.Pages,
			})
		}
		w.Citation = wc
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both the assistant's native shape (file.signed_url)
// and the re-encoded shape written by MarshalJSON (file.url). Reference pages
// default to an empty list and fractional positions are truncated.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type}
	if w.Delta != nil {
		e.Delta = w.Delta.Content
	}
	if w.Citation != nil {
		c := citation.Citation{
			Position:   int(w.Citation.Position),
			References: make([]citation.Reference, 0, len(w.Citation.References)),
		}
		for _, ref := range w.Citation.References {
			url := ref.File.SignedURL
			if url == "" {
				url = ref.File.URL
			}
			pages := ref.Pages
			if pages == nil {
				pages = []int{}
			}
			c.References = append(c.References, citation.Reference{
				File:  citation.File{Name: ref.File.Name, ID: ref.File.ID, URL: url},
				Pages: pages,
			})
		}
		e.Citation = &c
	}
	return nil
}

// WriteFrame writes ev in the "data: <json>\n\n" framing.
func WriteFrame(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write stream event: %w", err)
	}
	return nil
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the body accepted by the generation endpoint.
type Request struct {
	Task                   string    `json:"task"`
	Prompt                 string    `json:"prompt,omitempty"`
	BasePrompt             string    `json:"basePrompt,omitempty"`
	Messages               []Message `json:"messages,omitempty"`
	IncludeSpiritSoulDraft bool      `json:"includeSpiritSoulDraft,omitempty"`
	Stream                 bool      `json:"stream,omitempty"`
}

// Response is the non-streaming reply of the generation endpoint.
type Response struct {
	Content   string              `json:"content"`
	Citations []citation.Citation `json:"citations"`
}

// Delta is what a stream hands its consumer per content or citation event.
// Exactly one of the fields is set.
type Delta struct {
	Content   string
	Citations []citation.Citation
}
