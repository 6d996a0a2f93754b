package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/article-assistant/internal/stream"
	"gwi.com/article-assistant/internal/tasks"
)

func TestBuildPrompt(t *testing.T) {
	_, err := BuildPrompt(stream.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = BuildPrompt(stream.Request{Task: "qa", Prompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	p, err := BuildPrompt(stream.Request{Task: "qa", Prompt: "What is a delta?", BasePrompt: " Be brief. \n"})
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", p.Base)
	assert.Equal(t, []stream.Message{{Role: "user", Content: "What is a delta?"}}, p.Messages)
	assert.Equal(t, "What is a delta?", p.Query())
	assert.Equal(t, []stream.Message{{Role: "user", Content: "[Base Prompt]\nBe brief.\n\n[User Query]\nWhat is a delta?"}}, p.Composed())
	assert.Equal(t, "What is a delta?", p.Messages[0].Content, "Composed must not mutate the prompt")

	p, err = BuildPrompt(stream.Request{Task: "qa", Prompt: "Write", IncludeSpiritSoulDraft: true})
	require.NoError(t, err)
	assert.Equal(t, "Write\n\n"+spiritSoulDraftInstruction, p.Query())
	assert.Equal(t, p.Messages, p.Composed())

	history := []stream.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: "second"},
	}
	p, err = BuildPrompt(stream.Request{Task: "qa", Messages: history})
	require.NoError(t, err)
	assert.Equal(t, history, p.Messages)
	assert.Equal(t, "second", p.Query())
}

func TestMockSelectsDocument(t *testing.T) {
	ctx := context.Background()
	m := &Mock{}

	draft, err := Collect(ctx, m, Prompt{Task: "draft-article", Messages: []stream.Message{{Role: "user", Content: "rivers"}}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(draft.Content, "# How Rivers Shape the Land\n"))
	assert.Len(t, draft.Citations, 2)

	analysis, err := Collect(ctx, m, Prompt{Task: tasks.AnalyzeTask, Messages: []stream.Message{{Role: "user", Content: draft.Content}}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(analysis.Content, "Here is my analysis"))
	assert.Empty(t, analysis.Citations)

	improved, err := Collect(ctx, m, Prompt{Task: "draft-article", Messages: []stream.Message{{Role: "user", Content: "Apply these improvements:\nmore"}}})
	require.NoError(t, err)
	assert.Contains(t, improved.Content, "## Human Changes")
	assert.Len(t, improved.Citations, 3)
}

func TestMockStreamShape(t *testing.T) {
	var events []stream.Event
	err := (&Mock{}).Chat(context.Background(), Prompt{Task: "article", Messages: []stream.Message{{Role: "user", Content: "x"}}}, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventMessageEnd, events[len(events)-1].Type)

	var content strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case stream.EventContentChunk:
			assert.LessOrEqual(t, utf8.RuneCountInString(strings.TrimSuffix(ev.Delta, "\n")), mockChunkRunes)
			content.WriteString(ev.Delta)
		case stream.EventCitation:
			// A citation only arrives once the text it points at has been sent.
			assert.LessOrEqual(t, ev.Citation.Position, utf8.RuneCountInString(content.String()))
			cited := string([]rune(content.String())[:ev.Citation.Position])
			assert.True(t, strings.HasSuffix(cited, "."), "citation should follow a sentence: %q", cited)
		}
	}
	assert.Equal(t, mockDraft.content+"\n", content.String())
}

func TestMockStopsOnEmitErrorAndCancel(t *testing.T) {
	boom := errors.New("client gone")
	calls := 0
	err := (&Mock{}).Chat(context.Background(), Prompt{Task: "qa", Messages: []stream.Message{{Role: "user", Content: "x"}}}, func(stream.Event) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&Mock{InitialDelay: 1}).Chat(ctx, Prompt{Task: "qa"}, func(stream.Event) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPineconeStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assistant/chat/docs-assistant", r.URL.Path)
		assert.Equal(t, "pc-key", r.Header.Get("Api-Key"))

		var body pineconeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		assert.Equal(t, "claude-3-5-sonnet", body.Model)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "[Base Prompt]\nbase\n\n[User Query]\nquestion", body.Messages[0].Content)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data:{"type":"message_start","id":"1","model":"claude-3-5-sonnet","role":"assistant"}`+"\n\n")
		fmt.Fprint(w, `data:{"type":"content_chunk","id":"1","model":"m","delta":{"content":"Deltas form "}}`+"\n\n")
		fmt.Fprint(w, `data:{"type":"citation","id":"1","model":"m","citation":{"position":11,"references":[{"file":{"name":"atlas.pdf","id":"f1","signed_url":"https://signed/atlas"},"pages":[2]}]}}`+"\n\n")
		fmt.Fprint(w, `data:{"type":"content_chunk","id":"1","model":"m","delta":{"content":"at river mouths."}}`+"\n\n")
		fmt.Fprint(w, `data:{"type":"message_end","id":"1","model":"m","finish_reason":"stop","usage":{"prompt_tokens":1}}`+"\n\n")
	}))
	defer server.Close()

	p := NewPinecone(server.URL+"/", "pc-key", "docs-assistant", "claude-3-5-sonnet", nil)
	resp, err := Collect(context.Background(), p, Prompt{Task: "qa", Base: "base", Messages: []stream.Message{{Role: "user", Content: "question"}}})
	require.NoError(t, err)
	assert.Equal(t, "Deltas form at river mouths.", resp.Content)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 11, resp.Citations[0].Position)
	assert.Equal(t, "https://signed/atlas", resp.Citations[0].References[0].File.URL)
}

func TestPineconeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/broken") {
			http.Error(w, "assistant not found", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `data:{"type":"content_chunk","delta":{"content":"half"}}`+"\n\n")
	}))
	defer server.Close()

	prompt := Prompt{Task: "qa", Messages: []stream.Message{{Role: "user", Content: "q"}}}

	err := NewPinecone(server.URL, "k", "broken", "", nil).Chat(context.Background(), prompt, func(stream.Event) error { return nil })
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.Status)
	assert.Equal(t, "assistant not found", ue.Body)
	assert.Equal(t, "Pinecone API error: 404 - assistant not found", ue.Error())

	var got []stream.Event
	err = NewPinecone(server.URL, "k", "cut", "", nil).Chat(context.Background(), prompt, func(ev stream.Event) error {
		got = append(got, ev)
		return nil
	})
	assert.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, got, 1)
	assert.Equal(t, "half", got[0].Delta)
}

func TestToContents(t *testing.T) {
	history, last, err := toContents([]stream.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, []genai.Part{genai.Text("c")}, last.Parts)

	_, _, err = toContents(nil)
	assert.Error(t, err)
	_, _, err = toContents([]stream.Message{{Role: "assistant", Content: "b"}})
	assert.Error(t, err)
}

func TestGeminiConverterPlacesCitations(t *testing.T) {
	uri := "https://example.com/source"
	end := int32(len("Río flows."))
	conv := &geminiConverter{seen: make(map[string]bool)}

	first := conv.events(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:          &genai.Content{Parts: []genai.Part{genai.Text("Río ")}},
		CitationMetadata: &genai.CitationMetadata{CitationSources: []*genai.CitationSource{{EndIndex: &end, URI: &uri}}},
	}}})
	require.Len(t, first, 1, "citation waits for its text")
	assert.Equal(t, stream.ContentChunk("Río "), first[0])

	second := conv.events(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:          &genai.Content{Parts: []genai.Part{genai.Text("flows. More")}},
		CitationMetadata: &genai.CitationMetadata{CitationSources: []*genai.CitationSource{{EndIndex: &end, URI: &uri}}},
	}}})
	require.Len(t, second, 2)
	assert.Equal(t, stream.EventCitation, second[1].Type)
	assert.Equal(t, utf8.RuneCountInString("Río flows."), second[1].Citation.Position)
	assert.Equal(t, uri, second[1].Citation.References[0].File.URL)

	late := int32(1000)
	conv.events(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		CitationMetadata: &genai.CitationMetadata{CitationSources: []*genai.CitationSource{{EndIndex: &late, URI: &uri}}},
	}}})
	flushed := conv.flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, utf8.RuneCountInString("Río flows. More"), flushed[0].Citation.Position)

	assert.Empty(t, conv.events(nil))
}
