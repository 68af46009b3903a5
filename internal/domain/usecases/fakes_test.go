package usecases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// fakeLLM implements ports.CompletionService for testing
type fakeLLM struct {
	mu         sync.Mutex
	respond    func(req ports.CompletionRequest) (string, error)
	respondCtx func(ctx context.Context, req ports.CompletionRequest) (string, error)
	calls      []ports.CompletionRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.respondCtx != nil {
		return f.respondCtx(ctx, req)
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return "mocked answer", nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	req := f.calls[len(f.calls)-1]
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		sb.WriteString("\n")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// fakeEmbedder implements ports.EmbeddingService for testing
type fakeEmbedder struct {
	dim     int
	vectors map[string][]float32
	err     error
	mu      sync.Mutex
	texts   []string
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, f.dimension())
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dimension() }

func (f *fakeEmbedder) dimension() int {
	if f.dim == 0 {
		return 3
	}
	return f.dim
}

// fakeStore implements ports.ChunkStore with preset similarities.
type fakeStore struct {
	mu      sync.Mutex
	chunks  []entities.ScoredChunk
	err     error
	queries []ports.ChunkQuery
}

func (f *fakeStore) Search(ctx context.Context, q ports.ChunkQuery) ([]entities.ScoredChunk, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	allowed := make(map[int]bool)
	for _, n := range q.Chapters {
		allowed[n] = true
	}
	var out []entities.ScoredChunk
	for _, c := range f.chunks {
		if c.Chunk.ClassLevel != q.ClassLevel || !strings.EqualFold(c.Chunk.Subject, q.Subject) {
			continue
		}
		if len(allowed) > 0 && !allowed[c.Chunk.ChapterNumber] {
			continue
		}
		if c.Similarity < q.MinSimilarity {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// fakeCatalog implements ports.ChapterCatalog for testing
type fakeCatalog struct {
	mu       sync.Mutex
	chapters map[string][]entities.Chapter
	version  uint64
}

func catalogKey(classLevel int, subject string) string {
	return fmt.Sprintf("%d/%s", classLevel, entities.NormalizeSubject(subject))
}

func newFakeCatalog(classLevel int, subject string, chapters []entities.Chapter) *fakeCatalog {
	return &fakeCatalog{chapters: map[string][]entities.Chapter{catalogKey(classLevel, subject): chapters}, version: 1}
}

func (f *fakeCatalog) Chapters(classLevel int, subject string) []entities.Chapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chapters[catalogKey(classLevel, subject)]
}

func (f *fakeCatalog) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeCatalog) bump() {
	f.mu.Lock()
	f.version++
	f.mu.Unlock()
}

// fakeSessions implements ports.SessionStore for testing
type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]*entities.ChatSession
	appendErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*entities.ChatSession)}
}

func (f *fakeSessions) Create(ctx context.Context, s entities.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessions) Load(ctx context.Context, id string) (*entities.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *s
	cp.Turns = append([]entities.ChatTurn(nil), s.Turns...)
	return &cp, nil
}

func (f *fakeSessions) Append(ctx context.Context, id string, turns ...entities.ChatTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return errs.ErrNotFound
	}
	return s.Append(turns...)
}

func (f *fakeSessions) turns(id string) []entities.ChatTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return append([]entities.ChatTurn(nil), s.Turns...)
	}
	return nil
}

// fakeMetrics implements ports.PipelineMetrics for testing
type fakeMetrics struct {
	mu       sync.Mutex
	degraded []string
	outcomes []string
	stripped int
}

func (f *fakeMetrics) ObserveStage(string, time.Duration, error) {}
func (f *fakeMetrics) ObserveAnswer(string, float64, int)        {}
func (f *fakeMetrics) ObserveRetrieved(int)                      {}

func (f *fakeMetrics) IncDegraded(stage, reason string) {
	f.mu.Lock()
	f.degraded = append(f.degraded, stage+":"+reason)
	f.mu.Unlock()
}

func (f *fakeMetrics) IncGroundingViolations(n int) {
	f.mu.Lock()
	f.stripped += n
	f.mu.Unlock()
}

func (f *fakeMetrics) IncRequest(outcome string) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
}

// fakeLog implements ports.InteractionLog for testing
type fakeLog struct {
	mu      sync.Mutex
	records []entities.InteractionRecord
}

func (f *fakeLog) Record(ctx context.Context, rec entities.InteractionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

var errUpstream = errors.New("upstream exploded")

// physicsNine is a trimmed class 9 physics chapter table.
func physicsNine() []entities.Chapter {
	ch := func(n int, title, desc string, topics, keywords []string) entities.Chapter {
		return entities.Chapter{Number: n, Title: title, Description: desc, Topics: topics, Keywords: keywords, ClassLevel: 9, Subject: "Physics"}
	}
	return []entities.Chapter{
		ch(1, "Physical Quantities and Measurement", "Covers fundamental and derived quantities, SI units, scientific notation, measuring instruments.",
			[]string{"physical quantities", "SI units", "measurement", "vernier caliper", "screw gauge"},
			[]string{"measure", "unit", "quantity", "instrument"}),
		ch(2, "Kinematics", "Describes motion in one dimension including displacement, velocity, acceleration.",
			[]string{"motion", "displacement", "velocity", "acceleration", "equations of motion"},
			[]string{"speed", "move", "travel", "graph", "fall"}),
		ch(3, "Dynamics", "Covers Newton's laws of motion, force, momentum, friction.",
			[]string{"force", "Newton laws", "momentum", "friction", "inertia", "action reaction", "circular motion", "centripetal force"},
			[]string{"push", "pull", "F=ma", "Newton", "momentum", "friction", "circular"}),
		ch(5, "Gravitation", "Covers gravitational force, Newton's law of gravitation, mass and weight.",
			[]string{"gravitation", "gravity", "mass", "weight", "gravitational field", "Newton law of gravitation"},
			[]string{"gravity", "weight", "mass", "planet", "satellite", "orbit"}),
		ch(6, "Work and Energy", "Describes work, energy, power, kinetic and potential energy.",
			[]string{"work", "energy", "power", "kinetic energy", "potential energy"},
			[]string{"work", "energy", "power", "joule", "kinetic", "potential"}),
	}
}

func chunk(id string, chapter int, title string, index int, text string, sim float64) entities.ScoredChunk {
	return entities.ScoredChunk{
		Chunk: entities.DocumentChunk{
			ID: id, ChapterNumber: chapter, ChapterTitle: title, ClassLevel: 9, Subject: "Physics",
			Text: text, Index: index,
		},
		Similarity: sim,
	}
}
