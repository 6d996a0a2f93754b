package api

import (
	"time"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/session"
)

type TurnView struct {
	Kind        session.Kind        `json:"kind"`
	Content     string              `json:"content"`
	Rendered    string              `json:"rendered,omitempty"`
	Footnotes   string              `json:"footnotes,omitempty"`
	Citations   []citation.Citation `json:"citations,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	DraftNumber int                 `json:"draft_number,omitempty"`
	IsLatest    bool                `json:"is_latest,omitempty"`
	Incomplete  bool                `json:"incomplete,omitempty"`
}

type SessionView struct {
	ID                     string     `json:"id"`
	Task                   string     `json:"task"`
	Title                  string     `json:"title"`
	CreatedAt              time.Time  `json:"created_at"`
	IncludeSpiritSoulDraft bool       `json:"include_spirit_soul_draft"`
	Streaming              bool       `json:"streaming"`
	LatestDraftIndex       int        `json:"latest_draft_index"`
	History                []TurnView `json:"history"`
}

type SessionSummary struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Turns     int       `json:"turns"`
	Streaming bool      `json:"streaming"`
}

type StagingView struct {
	Kind      session.Kind        `json:"kind"`
	Content   string              `json:"content"`
	Rendered  string              `json:"rendered"`
	Footnotes string              `json:"footnotes,omitempty"`
	Citations []citation.Citation `json:"citations"`
	StartedAt time.Time           `json:"started_at"`
}

// newSessionView renders drafts from their raw content on every call, so a
// stored draft never carries links.
func newSessionView(s *session.Session, streaming bool) SessionView {
	v := SessionView{
		ID:                     s.ID,
		Task:                   s.Task,
		Title:                  s.Title,
		CreatedAt:              s.CreatedAt,
		IncludeSpiritSoulDraft: s.IncludeSpiritSoulDraft,
		Streaming:              streaming,
		LatestDraftIndex:       session.LatestDraftIndex(s.History),
		History:                make([]TurnView, 0, len(s.History)),
	}

	drafts := 0
	for _, turn := range s.History {
		tv := TurnView{Kind: turn.Kind(), Content: turn.Text(), Timestamp: turn.At()}
		switch t := turn.(type) {
		case *session.Draft:
			drafts++
			tv.DraftNumber = drafts
			tv.Rendered = citation.Place(t.Content, t.Citations)
			tv.Footnotes = citation.Footnotes(t.Citations)
			tv.Citations = t.Citations
			tv.IsLatest = t.IsLatest
			tv.Incomplete = t.Incomplete
		case *session.Analysis:
			tv.Incomplete = t.Incomplete
		}
		v.History = append(v.History, tv)
	}
	return v
}

func newSessionSummary(s *session.Session, streaming bool) SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Task:      s.Task,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		Turns:     len(s.History),
		Streaming: streaming,
	}
}

func newStagingView(st session.Staging) StagingView {
	cites := st.Citations
	if cites == nil {
		cites = []citation.Citation{}
	}
	return StagingView{
		Kind:      st.Kind,
		Content:   st.Content,
		Rendered:  citation.Place(st.Content, st.Citations),
		Footnotes: citation.Footnotes(st.Citations),
		Citations: cites,
		StartedAt: st.StartedAt,
	}
}
