package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/stream"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini streams from Google's Gemini API. The base prompt becomes the
// system instruction and grounding sources become citations.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (g *Gemini) Chat(ctx context.Context, p Prompt, emit func(stream.Event) error) error {
	history, last, err := toContents(p.Messages)
	if err != nil {
		return err
	}

	model := g.client.GenerativeModel(g.model)
	if p.Base != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(p.Base)},
		}
	}

	chatSession := model.StartChat()
	chatSession.History = history

	it := chatSession.SendMessageStream(ctx, last.Parts...)
	conv := &geminiConverter{seen: make(map[string]bool)}
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		for _, ev := range conv.events(resp) {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
	for _, ev := range conv.flush() {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return emit(stream.MessageEnd())
}

// toContents splits messages into chat history and the final user turn.
func toContents(msgs []stream.Message) ([]*genai.Content, *genai.Content, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == stream.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}
	return contents[:len(contents)-1], last, nil
}

// geminiConverter turns streamed responses into events. Citation indices from
// Gemini are byte offsets into the whole response; they are converted to rune
// positions once the cited text has arrived.
type geminiConverter struct {
	text    []byte
	pending []*genai.CitationSource
	seen    map[string]bool
}

func (c *geminiConverter) events(resp *genai.GenerateContentResponse) []stream.Event {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]

	var out []stream.Event
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok && txt != "" {
				c.text = append(c.text, txt...)
				out = append(out, stream.ContentChunk(string(txt)))
			} else if !ok {
				log.Printf("Gemini response part was not text: %T", part)
			}
		}
	}

	if cand.CitationMetadata != nil {
		for _, src := range cand.CitationMetadata.CitationSources {
			if src == nil || src.URI == nil || src.EndIndex == nil {
				continue
			}
			key := fmt.Sprintf("%s@%d", *src.URI, *src.EndIndex)
			if c.seen[key] {
				continue
			}
			c.seen[key] = true
			c.pending = append(c.pending, src)
		}
	}

	remaining := c.pending[:0]
	for _, src := range c.pending {
		end := int(*src.EndIndex)
		if end > len(c.text) {
			remaining = append(remaining, src)
			continue
		}
		out = append(out, c.citationAt(src, end))
	}
	c.pending = remaining
	return out
}

// flush emits citations whose end never arrived, placed at the end of the text.
func (c *geminiConverter) flush() []stream.Event {
	var out []stream.Event
	for _, src := range c.pending {
		out = append(out, c.citationAt(src, len(c.text)))
	}
	c.pending = nil
	return out
}

func (c *geminiConverter) citationAt(src *genai.CitationSource, end int) stream.Event {
	uri := *src.URI
	end = max(end, 0)
	return stream.CitationEvent(citation.Citation{
		Position: utf8.RuneCount(c.text[:end]),
		References: []citation.Reference{{
			File:  citation.File{Name: uri, ID: uri, URL: uri},
			Pages: []int{},
		}},
	})
}
