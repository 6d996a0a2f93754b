package assistant

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/stream"
	"gwi.com/article-assistant/internal/tasks"
)

const mockChunkRunes = 30

type mockCite struct {
	after string
	file  citation.File
	pages []int
}

type mockDoc struct {
	content string
	cites   []mockCite
}

var (
	fieldNotes = citation.File{Name: "river-field-notes.pdf", ID: "file-field-notes", URL: "https://example.com/files/river-field-notes.pdf"}
	basinAtlas = citation.File{Name: "basin-atlas.pdf", ID: "file-basin-atlas", URL: "https://example.com/files/basin-atlas.pdf"}
)

var mockDraft = mockDoc{
	content: `# How Rivers Shape the Land

Rivers carve valleys, carry sediment and build the plains that farms depend on. This article follows a river from its source to the sea.

## Upper Course

Near the source, steep gradients give water the energy to cut downward, leaving narrow V-shaped valleys.

## Lower Course

Closer to the sea the river slows, drops its load and spreads it across wide floodplains.`,
	cites: []mockCite{
		{after: "narrow V-shaped valleys.", file: fieldNotes, pages: []int{12}},
		{after: "across wide floodplains.", file: basinAtlas, pages: []int{4, 5}},
	},
}

var mockAnalysis = mockDoc{
	content: `Here is my analysis of the article:

1. Structure
- Clear progression from source to sea
- Missing a conclusion

2. Evidence
- The upper course claims need a measured example
- Add a figure for sediment volume

3. Recommendations
- Add a section on human changes to rivers
- Close with a short summary`,
}

var mockImproved = mockDoc{
	content: `# How Rivers Shape the Land

Rivers carve valleys, carry sediment and build the plains that farms depend on. This article follows a river from its source to the sea, with measured examples along the way.

## Upper Course

Near the source, steep gradients give water the energy to cut downward, leaving narrow V-shaped valleys. Survey data from one mountain stream show the bed lowering by several millimetres a year.

## Lower Course

Closer to the sea the river slows, drops its load and spreads it across wide floodplains.

## Human Changes

Dams and levees trap sediment and hold rivers in place, which starves deltas downstream.

## Conclusion

From source to mouth, a river is a conveyor that moves the land itself.`,
	cites: []mockCite{
		{after: "several millimetres a year.", file: fieldNotes, pages: []int{14}},
		{after: "across wide floodplains.", file: basinAtlas, pages: []int{4}},
		{after: "starves deltas downstream.", file: basinAtlas, pages: []int{31}},
	},
}

// Mock replays canned documents for local development. An analyze task gets
// an analysis, a prompt mentioning "apply" gets an improved draft and anything
// else gets a first draft.
type Mock struct {
	InitialDelay time.Duration
	ChunkDelay   time.Duration
}

func (m *Mock) Chat(ctx context.Context, p Prompt, emit func(stream.Event) error) error {
	doc := mockDraft
	switch {
	case p.Task == tasks.AnalyzeTask:
		doc = mockAnalysis
	case strings.Contains(strings.ToLower(p.Query()), "apply"):
		doc = mockImproved
	}

	if err := sleep(ctx, m.InitialDelay); err != nil {
		return err
	}

	positions := make([]int, len(doc.cites))
	for i, c := range doc.cites {
		idx := strings.Index(doc.content, c.after)
		if idx < 0 {
			positions[i] = utf8.RuneCountInString(doc.content)
			continue
		}
		positions[i] = utf8.RuneCountInString(doc.content[:idx+len(c.after)])
	}

	sent := 0
	next := 0
	for _, chunk := range mockChunks(doc.content) {
		if err := emit(stream.ContentChunk(chunk)); err != nil {
			return err
		}
		sent += utf8.RuneCountInString(chunk)
		for next < len(doc.cites) && positions[next] <= sent {
			c := doc.cites[next]
			ev := stream.CitationEvent(citation.Citation{
				Position:   positions[next],
				References: []citation.Reference{{File: c.file, Pages: c.pages}},
			})
			if err := emit(ev); err != nil {
				return err
			}
			next++
		}
		if err := sleep(ctx, m.ChunkDelay); err != nil {
			return err
		}
	}
	return emit(stream.MessageEnd())
}

// mockChunks splits content line by line into pieces of at most
// mockChunkRunes runes, keeping every newline.
func mockChunks(content string) []string {
	var chunks []string
	for _, line := range strings.Split(content, "\n") {
		runes := []rune(line)
		if len(runes) <= mockChunkRunes {
			chunks = append(chunks, line+"\n")
			continue
		}
		for len(runes) > 0 {
			n := min(mockChunkRunes, len(runes))
			chunks = append(chunks, string(runes[:n]))
			runes = runes[n:]
		}
		chunks = append(chunks, "\n")
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
