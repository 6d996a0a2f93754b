package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/stream"
	"gwi.com/article-assistant/internal/tasks"
)

var (
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrBusy            = errors.New("a response is already being generated for this session")
	ErrNoDraft         = errors.New("session has no draft to analyze")
	ErrNoAnalysis      = errors.New("session has no analysis to apply")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownTask     = errors.New("unknown task")
	ErrEmptyResponse   = errors.New("the assistant returned an empty response")
)

// Store persists sessions. SaveSession replaces everything stored for the
// session, history included.
type Store interface {
	LoadSessions(ctx context.Context) ([]*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
}

// Generator streams one response. *stream.Client satisfies it.
type Generator interface {
	Stream(ctx context.Context, req stream.Request, onDelta func(stream.Delta)) error
}

type Catalog interface {
	Task(id string) (tasks.Task, bool)
}

// Staging is the live view of a response still being generated. It is never
// part of history.
type Staging struct {
	Kind      Kind
	Content   string
	Citations []citation.Citation
	StartedAt time.Time
}

// Manager owns every session's history. All mutations go through it, and at
// most one generation runs per session at a time.
type Manager struct {
	mu          sync.Mutex
	store       Store
	gen         Generator
	catalog     Catalog
	defaultTask string
	now         func() time.Time

	sessions map[string]*Session
	inflight map[string]bool
	staging  map[string]*Staging
}

type Option func(*Manager)

func WithDefaultTask(id string) Option {
	return func(m *Manager) { m.defaultTask = id }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, gen Generator, catalog Catalog, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		gen:         gen,
		catalog:     catalog,
		defaultTask: "draft-article",
		now:         time.Now,
		sessions:    make(map[string]*Session),
		inflight:    make(map[string]bool),
		staging:     make(map[string]*Staging),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the in-memory sessions with the stored ones, creating a
// session for the default task when none exist.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session, len(stored))
	for _, s := range stored {
		MarkLatest(s.History)
		m.sessions[s.ID] = s
	}
	if len(m.sessions) == 0 {
		if _, err := m.createLocked(ctx, m.defaultTask); err != nil {
			return err
		}
	}
	log.Printf("Loaded %d sessions", len(m.sessions))
	return nil
}

// Create starts an empty session for task, or the default task when task is
// empty.
func (m *Manager) Create(ctx context.Context, task string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx, task)
}

func (m *Manager) createLocked(ctx context.Context, task string) (*Session, error) {
	if task == "" {
		task = m.defaultTask
	}
	t, ok := m.catalog.Task(task)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Task:      t.ID,
		Title:     DeriveTitle(nil, t.DefaultTitle),
		CreatedAt: m.now(),
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}
	m.sessions[s.ID] = s
	return s.Clone(), nil
}

// Delete removes a session. Deleting the last one creates a fresh session for
// the same task so that one always exists.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if m.inflight[id] {
		return ErrBusy
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	delete(m.sessions, id)

	if len(m.sessions) == 0 {
		if _, err := m.createLocked(ctx, s.Task); err != nil {
			return err
		}
	}
	return nil
}

// List returns snapshots of all sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Staging returns the in-flight response for a session, if one is running.
func (m *Manager) Staging(id string) (Staging, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.staging[id]
	if !ok {
		return Staging{}, false
	}
	out := *st
	out.Citations = append([]citation.Citation(nil), st.Citations...)
	return out, true
}

// Streaming reports whether a generation is running for the session.
func (m *Manager) Streaming(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[id]
}

// SubmitPrompt appends the prompt, streams a draft for it and commits the
// draft. On failure the prompt is removed again and history is unchanged.
func (m *Manager) SubmitPrompt(ctx context.Context, id, text string, includeSpiritSoulDraft bool) (*Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}

	p, req, err := m.begin(id, KindDraft, func(s *Session) (stream.Request, Turn, error) {
		t, _ := m.catalog.Task(s.Task)
		req := stream.Request{
			Task:                   s.Task,
			Prompt:                 text,
			BasePrompt:             t.BasePrompt,
			IncludeSpiritSoulDraft: includeSpiritSoulDraft || s.IncludeSpiritSoulDraft,
		}
		return req, &Prompt{Content: text, Timestamp: m.now()}, nil
	})
	if err != nil {
		return nil, err
	}
	defer p.rollback()

	res, err := m.generate(ctx, p, req)
	if err != nil {
		return nil, err
	}
	draft := &Draft{
		Content:    res.content,
		Citations:  res.citations,
		Timestamp:  m.now(),
		Incomplete: res.incomplete,
	}
	return p.commit(ctx, draft, func(s *Session) {
		if includeSpiritSoulDraft {
			s.IncludeSpiritSoulDraft = true
		}
	})
}

// Analyze streams a critique of the most recent draft using analysisPrompt as
// the instructions.
func (m *Manager) Analyze(ctx context.Context, id, analysisPrompt string) (*Session, error) {
	if strings.TrimSpace(analysisPrompt) == "" {
		return nil, ErrEmptyPrompt
	}

	p, req, err := m.begin(id, KindAnalysis, func(s *Session) (stream.Request, Turn, error) {
		d := s.LatestDraft()
		if d == nil {
			return stream.Request{}, nil, ErrNoDraft
		}
		return stream.Request{Task: tasks.AnalyzeTask, Prompt: d.Content, BasePrompt: analysisPrompt}, nil, nil
	})
	if err != nil {
		return nil, err
	}
	defer p.rollback()

	res, err := m.generate(ctx, p, req)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, &Analysis{Content: res.content, Timestamp: m.now(), Incomplete: res.incomplete}, nil)
}

// ApplyAnalysis streams a revised draft following the most recent analysis.
func (m *Manager) ApplyAnalysis(ctx context.Context, id string) (*Session, error) {
	p, req, err := m.begin(id, KindDraft, func(s *Session) (stream.Request, Turn, error) {
		a := s.LatestAnalysis()
		if a == nil {
			return stream.Request{}, nil, ErrNoAnalysis
		}
		d := s.LatestDraft()
		if d == nil {
			return stream.Request{}, nil, ErrNoDraft
		}
		t, _ := m.catalog.Task(s.Task)
		req := stream.Request{
			Task:                   s.Task,
			Prompt:                 ApplyPrompt(a.Content, d.Content),
			BasePrompt:             t.BasePrompt,
			IncludeSpiritSoulDraft: s.IncludeSpiritSoulDraft,
		}
		return req, nil, nil
	})
	if err != nil {
		return nil, err
	}
	defer p.rollback()

	res, err := m.generate(ctx, p, req)
	if err != nil {
		return nil, err
	}
	draft := &Draft{
		Content:    res.content,
		Citations:  res.citations,
		Timestamp:  m.now(),
		Incomplete: res.incomplete,
	}
	return p.commit(ctx, draft, nil)
}

// ApplyPrompt asks for a revision of draft following analysis.
func ApplyPrompt(analysis, draft string) string {
	return "Apply these improvements:\n" + analysis + "\n\n[Current Draft]\n" + draft
}

type result struct {
	content    string
	citations  []citation.Citation
	incomplete bool
}

// generate runs one stream, mirroring its progress into the staging view. A
// truncated stream still yields its partial content, flagged incomplete.
func (m *Manager) generate(ctx context.Context, p *pending, req stream.Request) (result, error) {
	var buf strings.Builder
	var cites []citation.Citation

	err := m.gen.Stream(ctx, req, func(d stream.Delta) {
		buf.WriteString(d.Content)
		cites = append(cites, d.Citations...)
		p.stage(trimResponse(buf.String(), cites))
	})

	content, trimmedCites := trimResponse(buf.String(), cites)
	res := result{content: content, citations: trimmedCites}
	if err != nil {
		if !stream.IsKind(err, stream.KindTruncated) {
			log.Printf("Generation for session %s (task %s) failed: %v", p.id, req.Task, err)
			return result{}, err
		}
		log.Printf("Generation for session %s ended without a terminal event, keeping %d bytes", p.id, len(res.content))
		res.incomplete = true
	}
	if res.content == "" {
		return result{}, ErrEmptyResponse
	}
	return res, nil
}

// trimResponse trims surrounding whitespace and moves citation positions back
// by the runes trimmed from the front, clamping at the start.
func trimResponse(raw string, cites []citation.Citation) (string, []citation.Citation) {
	lead := utf8.RuneCountInString(raw) - utf8.RuneCountInString(strings.TrimLeftFunc(raw, unicode.IsSpace))
	content := strings.TrimSpace(raw)
	if lead == 0 || len(cites) == 0 {
		return content, cites
	}
	out := make([]citation.Citation, len(cites))
	for i, c := range cites {
		c.Position = max(c.Position-lead, 0)
		out[i] = c
	}
	return content, out
}

// pending is an open generation against one session. commit and rollback are
// its only exits; whichever runs first wins.
type pending struct {
	m    *Manager
	id   string
	base int
	done bool
}

func (m *Manager) begin(id string, kind Kind, prepare func(*Session) (stream.Request, Turn, error)) (*pending, stream.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, stream.Request{}, ErrSessionNotFound
	}
	if m.inflight[id] {
		return nil, stream.Request{}, ErrBusy
	}
	req, optimistic, err := prepare(s)
	if err != nil {
		return nil, stream.Request{}, err
	}

	p := &pending{m: m, id: id, base: len(s.History)}
	if optimistic != nil {
		s.History = append(s.History, optimistic)
		s.Title = m.titleFor(s)
	}
	m.inflight[id] = true
	m.staging[id] = &Staging{Kind: kind, StartedAt: m.now()}
	return p, req, nil
}

func (p *pending) stage(content string, cites []citation.Citation) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if st, ok := p.m.staging[p.id]; ok {
		st.Content = content
		st.Citations = cites
	}
}

func (p *pending) commit(ctx context.Context, turn Turn, apply func(*Session)) (*Session, error) {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.done {
		return nil, errors.New("generation already finished")
	}
	defer p.finishLocked()

	s := m.sessions[p.id]
	sticky := s.IncludeSpiritSoulDraft
	s.History = append(s.History, turn)
	if apply != nil {
		apply(s)
	}
	MarkLatest(s.History)
	s.Title = m.titleFor(s)

	if err := m.store.SaveSession(context.WithoutCancel(ctx), s); err != nil {
		s.History = s.History[:p.base]
		s.IncludeSpiritSoulDraft = sticky
		MarkLatest(s.History)
		s.Title = m.titleFor(s)
		return nil, fmt.Errorf("failed to persist session %s: %w", s.ID, err)
	}
	return s.Clone(), nil
}

func (p *pending) rollback() {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.done {
		return
	}
	defer p.finishLocked()

	if s, ok := m.sessions[p.id]; ok && len(s.History) > p.base {
		s.History = s.History[:p.base]
		s.Title = m.titleFor(s)
	}
}

func (p *pending) finishLocked() {
	p.done = true
	delete(p.m.inflight, p.id)
	delete(p.m.staging, p.id)
}

func (m *Manager) titleFor(s *Session) string {
	t, _ := m.catalog.Task(s.Task)
	return DeriveTitle(s.History, t.DefaultTitle)
}
