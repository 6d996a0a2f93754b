// Package citation places numbered citation links into generated markdown.
package citation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type File struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
}

type Reference struct {
	File  File  `json:"file"`
	Pages []int `json:"pages"`
}

// Citation points a character offset of a message at one or more source documents.
// Position counts runes, not bytes.
type Citation struct {
	Position   int         `json:"position"`
	References []Reference `json:"references"`
}

// Anchor is the same-document fragment id for the citation with the given 1-based index.
func Anchor(index int) string {
	return "citation-" + strconv.Itoa(index)
}

// Marker is the visible bracketed form, e.g. "[3]".
func Marker(index int) string {
	return "[" + strconv.Itoa(index) + "]"
}

// Link is the markdown link that replaces a marker, e.g. "[[3]](#citation-3)".
func Link(index int) string {
	return "[" + Marker(index) + "](#" + Anchor(index) + ")"
}

type insertion struct {
	pos   int
	index int
}

// Place returns content with one citation link per entry of citations.
//
// Indices follow arrival order (the order of the slice), never textual order.
// Citations sharing a position are all kept and appear side by side in arrival
// order. Out of range positions are clamped: negative to the start, past the
// end to the end. Place must be applied to raw content only; its output is not
// a valid input.
func Place(content string, citations []Citation) string {
	if len(citations) == 0 {
		return content
	}

	runes := []rune(content)
	inserts := make([]insertion, len(citations))
	for i, c := range citations {
		pos := c.Position
		if pos < 0 {
			pos = 0
		}
		if pos > len(runes) {
			pos = len(runes)
		}
		inserts[i] = insertion{pos: pos, index: i + 1}
	}
	sort.SliceStable(inserts, func(a, b int) bool {
		return inserts[a].pos < inserts[b].pos
	})

	// Copying the untouched spans between ascending insertion points is the
	// same as inserting at pos+offset where offset grows by each link length.
	var b strings.Builder
	b.Grow(len(content) + len(inserts)*len(Link(len(inserts))))
	prev := 0
	for _, in := range inserts {
		b.WriteString(string(runes[prev:in.pos]))
		b.WriteString(Link(in.index))
		prev = in.pos
	}
	b.WriteString(string(runes[prev:]))
	return b.String()
}

// Footnotes renders the numbered source list that the links produced by Place
// point at. Each entry carries an HTML anchor so "#citation-N" resolves.
func Footnotes(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}

	var b strings.Builder
	for i, c := range citations {
		index := i + 1
		fmt.Fprintf(&b, "%d. <a id=\"%s\"></a>%s", index, Anchor(index), Marker(index))
		for _, ref := range c.References {
			b.WriteString(" ")
			b.WriteString(formatReference(ref))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatReference(ref Reference) string {
	name := ref.File.Name
	if name == "" {
		name = ref.File.ID
	}
	label := name
	if ref.File.URL != "" {
		label = fmt.Sprintf("[%s](%s)", name, ref.File.URL)
	}
	if len(ref.Pages) == 0 {
		return label
	}
	pages := make([]string, len(ref.Pages))
	for i, p := range ref.Pages {
		pages[i] = strconv.Itoa(p)
	}
	if len(pages) == 1 {
		return label + ", p. " + pages[0]
	}
	return label + ", pp. " + strings.Join(pages, ", ")
}
