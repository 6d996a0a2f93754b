// Package assistant talks to the document-grounded assistants that produce
// drafts, and normalizes their output into stream events.
package assistant

import (
	"context"
	"errors"
	"strings"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/stream"
)

var ErrInvalidRequest = errors.New("Task and prompt are required")

// Assistant generates one response. emit is called for every event in order;
// an error from emit aborts generation. A successful Chat has emitted
// message_end last.
type Assistant interface {
	Chat(ctx context.Context, p Prompt, emit func(stream.Event) error) error
}

// Prompt is a generation request after validation. Messages hold the user's
// conversation without the base prompt.
type Prompt struct {
	Task     string
	Base     string
	Messages []stream.Message
}

const spiritSoulDraftInstruction = "Use the document titled \"Spirit Soul Draft\" as a primary source for this response."

// BuildPrompt validates a generation request. A request with messages uses
// them as given; otherwise the prompt becomes a single user message.
func BuildPrompt(req stream.Request) (Prompt, error) {
	if req.Task == "" || (strings.TrimSpace(req.Prompt) == "" && len(req.Messages) == 0) {
		return Prompt{}, ErrInvalidRequest
	}

	var msgs []stream.Message
	if len(req.Messages) > 0 {
		msgs = append(msgs, req.Messages...)
	} else {
		msgs = []stream.Message{{Role: stream.RoleUser, Content: req.Prompt}}
	}

	if req.IncludeSpiritSoulDraft {
		last := &msgs[len(msgs)-1]
		last.Content += "\n\n" + spiritSoulDraftInstruction
	}

	return Prompt{
		Task:     req.Task,
		Base:     strings.TrimSpace(req.BasePrompt),
		Messages: msgs,
	}, nil
}

// Composed folds the base prompt into the last user message for assistants
// without a system role.
func (p Prompt) Composed() []stream.Message {
	msgs := append([]stream.Message(nil), p.Messages...)
	if p.Base == "" || len(msgs) == 0 {
		return msgs
	}
	last := &msgs[len(msgs)-1]
	if last.Role == stream.RoleUser {
		last.Content = "[Base Prompt]\n" + p.Base + "\n\n[User Query]\n" + last.Content
	}
	return msgs
}

// Query is the content of the last user message.
func (p Prompt) Query() string {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == stream.RoleUser {
			return p.Messages[i].Content
		}
	}
	return ""
}

// Collect runs a into a single response, for callers that do not stream.
func Collect(ctx context.Context, a Assistant, p Prompt) (stream.Response, error) {
	var b strings.Builder
	resp := stream.Response{Citations: []citation.Citation{}}
	err := a.Chat(ctx, p, func(ev stream.Event) error {
		switch ev.Type {
		case stream.EventContentChunk:
			b.WriteString(ev.Delta)
		case stream.EventCitation:
			if ev.Citation != nil {
				resp.Citations = append(resp.Citations, *ev.Citation)
			}
		}
		return nil
	})
	if err != nil {
		return stream.Response{}, err
	}
	resp.Content = b.String()
	return resp, nil
}
