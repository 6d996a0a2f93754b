// Package session owns drafting sessions and the turn history inside them.
package session

import (
	"regexp"
	"strings"
	"time"

	"gwi.com/article-assistant/internal/citation"
)

// DefaultTitle names a session whose task has no default title of its own.
const DefaultTitle = "New Chat"

type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindDraft    Kind = "draft"
	KindAnalysis Kind = "analysis"
)

// Turn is one entry of a session's history: a *Prompt, *Draft or *Analysis.
type Turn interface {
	Kind() Kind
	Text() string
	At() time.Time
	clone() Turn
}

type Prompt struct {
	Content   string
	Timestamp time.Time
}

// Draft is generated article content. Citations keep their arrival order.
// Incomplete marks a draft committed from a stream that never sent its end
// marker.
type Draft struct {
	Content    string
	Citations  []citation.Citation
	Timestamp  time.Time
	IsLatest   bool
	Incomplete bool
}

type Analysis struct {
	Content    string
	Timestamp  time.Time
	Incomplete bool
}

func (p *Prompt) Kind() Kind      { return KindPrompt }
func (p *Prompt) Text() string    { return p.Content }
func (p *Prompt) At() time.Time   { return p.Timestamp }
func (d *Draft) Kind() Kind       { return KindDraft }
func (d *Draft) Text() string     { return d.Content }
func (d *Draft) At() time.Time    { return d.Timestamp }
func (a *Analysis) Kind() Kind    { return KindAnalysis }
func (a *Analysis) Text() string  { return a.Content }
func (a *Analysis) At() time.Time { return a.Timestamp }

func (p *Prompt) clone() Turn {
	c := *p
	return &c
}

func (d *Draft) clone() Turn {
	c := *d
	c.Citations = append([]citation.Citation(nil), d.Citations...)
	return &c
}

func (a *Analysis) clone() Turn {
	c := *a
	return &c
}

type Session struct {
	ID        string
	Task      string
	Title     string
	History   []Turn
	CreatedAt time.Time
	// IncludeSpiritSoulDraft sticks once a submission carrying it commits.
	IncludeSpiritSoulDraft bool
}

// Clone returns a deep copy safe to hand out of the manager.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		c.History[i] = t.clone()
	}
	return &c
}

// LatestDraft returns the most recently committed draft, or nil.
func (s *Session) LatestDraft() *Draft {
	for i := len(s.History) - 1; i >= 0; i-- {
		if d, ok := s.History[i].(*Draft); ok {
			return d
		}
	}
	return nil
}

// LatestAnalysis returns the most recently committed analysis, or nil.
func (s *Session) LatestAnalysis() *Analysis {
	for i := len(s.History) - 1; i >= 0; i-- {
		if a, ok := s.History[i].(*Analysis); ok {
			return a
		}
	}
	return nil
}

// LatestDraftIndex returns the index of the last draft that is followed only
// by analyses, or -1. A newer prompt or draft ends its run as latest.
func LatestDraftIndex(history []Turn) int {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].(type) {
		case *Draft:
			return i
		case *Analysis:
			continue
		default:
			return -1
		}
	}
	return -1
}

// MarkLatest flags the most recent draft as latest and clears the flag on
// every other draft.
func MarkLatest(history []Turn) {
	latest := true
	for i := len(history) - 1; i >= 0; i-- {
		if d, ok := history[i].(*Draft); ok {
			d.IsLatest = latest
			latest = false
		}
	}
}

var headingPattern = regexp.MustCompile(`(?m)^[ \t]*# (.+)$`)

// ExtractTitle returns the text of the first level-one markdown heading in
// content.
func ExtractTitle(content string) (string, bool) {
	m := headingPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	title := strings.TrimSpace(m[1])
	return title, title != ""
}

// DeriveTitle picks the heading of the latest draft, then the first prompt,
// then fallback.
func DeriveTitle(history []Turn, fallback string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if d, ok := history[i].(*Draft); ok {
			if title, ok := ExtractTitle(d.Content); ok {
				return title
			}
			break
		}
	}
	for _, t := range history {
		if p, ok := t.(*Prompt); ok {
			if title := strings.TrimSpace(p.Content); title != "" {
				return title
			}
		}
	}
	if fallback == "" {
		return DefaultTitle
	}
	return fallback
}
