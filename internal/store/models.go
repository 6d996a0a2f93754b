package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/session"
)

// timeLayout is ISO-8601 with a fixed-width fraction so stored values sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type sessionRow struct {
	ID                     string
	Task                   string
	Title                  string
	IncludeSpiritSoulDraft bool
	CreatedAt              string
}

type turnRow struct {
	SessionID     string
	Seq           int
	Kind          string
	Content       string
	CitationsJSON sql.NullString // drafts only
	Timestamp     string
	Incomplete    bool
}

func toTurnRow(sessionID string, seq int, t session.Turn) (turnRow, error) {
	row := turnRow{
		SessionID: sessionID,
		Seq:       seq,
		Kind:      string(t.Kind()),
		Content:   t.Text(),
		Timestamp: formatTime(t.At()),
	}
	switch v := t.(type) {
	case *session.Draft:
		cites := v.Citations
		if cites == nil {
			cites = []citation.Citation{}
		}
		b, err := json.Marshal(cites)
		if err != nil {
			return turnRow{}, fmt.Errorf("failed to marshal citations: %w", err)
		}
		row.CitationsJSON = sql.NullString{String: string(b), Valid: true}
		row.Incomplete = v.Incomplete
	case *session.Analysis:
		row.Incomplete = v.Incomplete
	}
	return row, nil
}

func (r turnRow) toTurn() (session.Turn, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("turn %s/%d: bad timestamp: %w", r.SessionID, r.Seq, err)
	}
	switch session.Kind(r.Kind) {
	case session.KindPrompt:
		return &session.Prompt{Content: r.Content, Timestamp: ts}, nil
	case session.KindDraft:
		d := &session.Draft{Content: r.Content, Timestamp: ts, Incomplete: r.Incomplete}
		if r.CitationsJSON.Valid && r.CitationsJSON.String != "" {
			if err := json.Unmarshal([]byte(r.CitationsJSON.String), &d.Citations); err != nil {
				return nil, fmt.Errorf("turn %s/%d: bad citations: %w", r.SessionID, r.Seq, err)
			}
		}
		return d, nil
	case session.KindAnalysis:
		return &session.Analysis{Content: r.Content, Timestamp: ts, Incomplete: r.Incomplete}, nil
	default:
		return nil, fmt.Errorf("turn %s/%d: unknown kind %q", r.SessionID, r.Seq, r.Kind)
	}
}
