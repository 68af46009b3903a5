package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// Stage names used in logs and metrics.
const (
	StageRewrite  = "rewrite"
	StageRoute    = "route"
	StageRetrieve = "retrieve"
	StageGenerate = "generate"
	StageSession  = "session"
)

// Answer modes.
const (
	ModeGrounded = "grounded"
	ModeFallback = "fallback"
)

// PipelineConfig holds the tunables of Pipeline.Ask.
type PipelineConfig struct {
	TopK                   int
	MinSimilarity          float64
	LowConfidenceThreshold float64
	HistoryTurns           int
	MaxQueryLength         int
	ClassLevels            []int
	Languages              []string

	RewriteTimeout  time.Duration
	RouteTimeout    time.Duration
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration
}

// DefaultPipelineConfig returns the settings the service ships with.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TopK:                   DefaultTopK,
		MinSimilarity:          DefaultMinSimilarity,
		LowConfidenceThreshold: 0.5,
		HistoryTurns:           entities.DefaultMaxTurns,
		MaxQueryLength:         2000,
		ClassLevels:            []int{9, 10, 11},
		Languages:              []string{"en", "ur", "ur-roman"},
		RewriteTimeout:         10 * time.Second,
		RouteTimeout:           10 * time.Second,
		RetrieveTimeout:        15 * time.Second,
		GenerateTimeout:        60 * time.Second,
	}
}

// Trace records what each stage decided for one request.
type Trace struct {
	OriginalQuery string
	RevisedQuery  string
	RewriteError  string
	Scope         entities.Scope
	RouteError    string
	Retrieved     []entities.ScoredChunk
	Mode          string
	Stripped      int
	Durations     map[string]time.Duration
}

// PipelineDeps are the optional collaborators of a Pipeline.
type PipelineDeps struct {
	Sessions ports.SessionStore
	ChatLog  ports.InteractionLog
	Metrics  ports.PipelineMetrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Pipeline answers one question: rewrite, route, retrieve, generate.
// Requests for the same session run one at a time; other sessions run in parallel.
type Pipeline struct {
	rewriter  *QueryRewriter
	router    *ChapterRouter
	retriever *VectorRetriever
	generator *AnswerGenerator

	sessions ports.SessionStore
	chatLog  ports.InteractionLog
	metrics  ports.PipelineMetrics
	logger   *zap.Logger
	now      func() time.Time

	cfg   PipelineConfig
	locks *sessionLocks
}

// NewPipeline wires the four stages together.
func NewPipeline(
	rewriter *QueryRewriter,
	router *ChapterRouter,
	retriever *VectorRetriever,
	generator *AnswerGenerator,
	cfg PipelineConfig,
	deps PipelineDeps,
) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = def.MaxQueryLength
	}
	if len(cfg.ClassLevels) == 0 {
		cfg.ClassLevels = def.ClassLevels
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = def.Languages
	}
	p := &Pipeline{
		rewriter:  rewriter,
		router:    router,
		retriever: retriever,
		generator: generator,
		sessions:  deps.Sessions,
		chatLog:   deps.ChatLog,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		cfg:       cfg,
		locks:     newSessionLocks(),
	}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Ask answers req. Upstream failures in retrieval or generation return an error;
// rewrite and routing failures degrade silently to the raw query and an unscoped search.
func (p *Pipeline) Ask(ctx context.Context, req entities.QuestionRequest) (*entities.QuestionResponse, error) {
	resp, _, err := p.AskWithTrace(ctx, req)
	return resp, err
}

// AskWithTrace is Ask plus the per-stage decisions.
func (p *Pipeline) AskWithTrace(ctx context.Context, req entities.QuestionRequest) (*entities.QuestionResponse, *Trace, error) {
	started := p.now()
	req, err := p.validate(req)
	if err != nil {
		p.metrics.IncRequest("invalid")
		return nil, nil, err
	}
	log := p.logger.With(zap.String("session_id", req.SessionID), zap.Int("class_level", req.ClassLevel), zap.String("subject", req.Subject))

	history := entities.LastTurns(req.History, p.cfg.HistoryTurns)
	if req.SessionID != "" && p.sessions != nil {
		release, err := p.locks.acquire(ctx, req.SessionID)
		if err != nil {
			p.metrics.IncRequest("cancelled")
			return nil, nil, fmt.Errorf("waiting for session %s: %w", req.SessionID, err)
		}
		defer release()

		sess, err := p.loadOrCreate(ctx, req)
		if errors.Is(err, errs.ErrInvalidRequest) {
			p.metrics.IncRequest("invalid")
			return nil, nil, err
		}
		if err != nil {
			p.metrics.IncRequest("error")
			log.Error("loading session failed", zap.Error(err))
			return nil, nil, err
		}
		history = sess.Recent(p.cfg.HistoryTurns)
	}
	// Taken after the session lock so turn timestamps follow processing order.
	asked := p.now()

	trace := &Trace{OriginalQuery: req.Query, Durations: make(map[string]time.Duration)}

	trace.RevisedQuery = p.rewrite(ctx, log, req.Query, history, trace)
	trace.Scope = p.route(ctx, log, trace.RevisedQuery, req, trace)

	retrieval, err := p.retrieve(ctx, trace.RevisedQuery, trace.Scope, req, trace)
	if err != nil {
		p.metrics.IncRequest("error")
		log.Error("retrieval failed", zap.Error(err))
		return nil, trace, fmt.Errorf("retrieving notes: %w", err)
	}
	trace.Retrieved = retrieval.Chunks

	answer, err := p.generate(ctx, req, history, retrieval, trace)
	if err != nil {
		p.metrics.IncRequest("error")
		log.Error("generation failed", zap.Error(err))
		return nil, trace, fmt.Errorf("generating answer: %w", err)
	}

	resp := &entities.QuestionResponse{
		Answer:        answer.Text,
		Explanation:   answer.Explanation,
		Sources:       answer.Sources,
		Confidence:    answer.Confidence,
		ChapterUsed:   chapterUsed(trace.Scope, answer.Sources),
		RevisedQuery:  trace.RevisedQuery,
		Grounded:      answer.Grounded,
		LowConfidence: answer.Confidence < p.cfg.LowConfidenceThreshold,
		Routing:       trace.Scope,
	}
	if resp.Sources == nil {
		resp.Sources = []entities.Source{}
	}

	if req.SessionID != "" && p.sessions != nil {
		p.appendTurns(ctx, log, req, asked, resp.Answer)
	}
	p.record(ctx, log, req, history, resp)

	p.metrics.ObserveAnswer(trace.Mode, resp.Confidence, len(resp.Sources))
	p.metrics.IncRequest("ok")
	log.Info("question answered",
		zap.String("mode", trace.Mode),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("sources", len(resp.Sources)),
		zap.Duration("elapsed", p.now().Sub(started)))
	return resp, trace, nil
}

func (p *Pipeline) validate(req entities.QuestionRequest) (entities.QuestionRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	req.Subject = strings.Join(strings.Fields(req.Subject), " ")
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	req.SessionID = strings.TrimSpace(req.SessionID)

	if req.Query == "" {
		return req, fmt.Errorf("%w: query is empty", errs.ErrInvalidRequest)
	}
	if utf8.RuneCountInString(req.Query) > p.cfg.MaxQueryLength {
		return req, fmt.Errorf("%w: query longer than %d characters", errs.ErrInvalidRequest, p.cfg.MaxQueryLength)
	}
	if req.Subject == "" {
		return req, fmt.Errorf("%w: subject is required", errs.ErrInvalidRequest)
	}
	if !containsInt(p.cfg.ClassLevels, req.ClassLevel) {
		return req, fmt.Errorf("%w: unsupported class level %d", errs.ErrInvalidRequest, req.ClassLevel)
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if !containsString(p.cfg.Languages, req.Language) {
		return req, fmt.Errorf("%w: unsupported language %q", errs.ErrInvalidRequest, req.Language)
	}
	for i, t := range req.History {
		if !t.Role.Valid() {
			return req, fmt.Errorf("%w: history[%d] has role %q", errs.ErrInvalidRequest, i, t.Role)
		}
	}
	return req, nil
}

func (p *Pipeline) loadOrCreate(ctx context.Context, req entities.QuestionRequest) (*entities.ChatSession, error) {
	sess, err := p.sessions.Load(ctx, req.SessionID)
	if err == nil {
		// History never crosses into another class or subject.
		if sess.ClassLevel != req.ClassLevel || entities.NormalizeSubject(sess.Subject) != entities.NormalizeSubject(req.Subject) {
			return nil, fmt.Errorf("%w: session %s belongs to class %d %s", errs.ErrInvalidRequest, req.SessionID, sess.ClassLevel, sess.Subject)
		}
		return sess, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess = &entities.ChatSession{
		ID:         req.SessionID,
		ClassLevel: req.ClassLevel,
		Subject:    req.Subject,
		Language:   req.Language,
		MaxTurns:   p.cfg.HistoryTurns,
	}
	if err := p.sessions.Create(ctx, *sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (p *Pipeline) rewrite(ctx context.Context, log *zap.Logger, query string, history []entities.ChatTurn, trace *Trace) string {
	sctx, cancel := stageContext(ctx, p.cfg.RewriteTimeout)
	defer cancel()
	start := p.now()
	revised, err := p.rewriter.Rewrite(sctx, query, history)
	p.observe(StageRewrite, start, err, trace)
	if err != nil {
		p.metrics.IncDegraded(StageRewrite, degradeReason(err))
		log.Warn("rewrite failed, using raw query", zap.Error(err))
		trace.RewriteError = err.Error()
		return query
	}
	log.Debug("query rewritten", zap.String("revised", revised))
	return revised
}

func (p *Pipeline) route(ctx context.Context, log *zap.Logger, query string, req entities.QuestionRequest, trace *Trace) entities.Scope {
	sctx, cancel := stageContext(ctx, p.cfg.RouteTimeout)
	defer cancel()
	start := p.now()
	scope, err := p.router.Route(sctx, query, req.ClassLevel, req.Subject)
	p.observe(StageRoute, start, err, trace)
	if err != nil {
		p.metrics.IncDegraded(StageRoute, degradeReason(err))
		log.Warn("chapter classifier failed, using lexical routing", zap.Error(err))
		trace.RouteError = err.Error()
	}
	if scope.Unscoped() && scope.Reason != "" {
		p.metrics.IncDegraded(StageRoute, scope.Reason)
	}
	log.Debug("routed", zap.Int("primary", scope.Primary), zap.Ints("secondary", scope.Secondary), zap.String("reason", scope.Reason))
	return scope
}

func (p *Pipeline) retrieve(ctx context.Context, query string, scope entities.Scope, req entities.QuestionRequest, trace *Trace) (entities.RetrievalResult, error) {
	sctx, cancel := stageContext(ctx, p.cfg.RetrieveTimeout)
	defer cancel()
	start := p.now()
	res, err := p.retriever.Retrieve(sctx, RetrievalRequest{
		Query:         query,
		Scope:         scope,
		ClassLevel:    req.ClassLevel,
		Subject:       req.Subject,
		TopK:          p.cfg.TopK,
		MinSimilarity: p.cfg.MinSimilarity,
	})
	p.observe(StageRetrieve, start, err, trace)
	if err == nil {
		p.metrics.ObserveRetrieved(len(res.Chunks))
	}
	return res, err
}

func (p *Pipeline) generate(ctx context.Context, req entities.QuestionRequest, history []entities.ChatTurn, retrieval entities.RetrievalResult, trace *Trace) (entities.Answer, error) {
	sctx, cancel := stageContext(ctx, p.cfg.GenerateTimeout)
	defer cancel()
	start := p.now()
	ans, err := p.generator.Generate(sctx, GenerationRequest{
		Query:      req.Query,
		History:    history,
		Retrieval:  retrieval,
		Language:   req.Language,
		ClassLevel: req.ClassLevel,
		Subject:    req.Subject,
	})
	p.observe(StageGenerate, start, err, trace)
	if err != nil {
		return ans, err
	}
	trace.Mode = ModeGrounded
	if retrieval.Empty() {
		trace.Mode = ModeFallback
		p.metrics.IncDegraded(StageGenerate, "empty-retrieval")
	}
	if ans.Recovered {
		p.metrics.IncDegraded(StageGenerate, "malformed-output")
	}
	if ans.Stripped > 0 {
		p.metrics.IncGroundingViolations(ans.Stripped)
	}
	trace.Stripped = ans.Stripped
	return ans, nil
}

// appendTurns stores the question and the answer as one append. A failure is logged;
// the answer is still returned.
func (p *Pipeline) appendTurns(ctx context.Context, log *zap.Logger, req entities.QuestionRequest, asked time.Time, answer string) {
	answered := p.now()
	if answered.Before(asked) {
		answered = asked
	}
	err := p.sessions.Append(ctx, req.SessionID,
		entities.ChatTurn{Role: entities.RoleUser, Content: req.Query, Timestamp: asked},
		entities.ChatTurn{Role: entities.RoleAssistant, Content: answer, Timestamp: answered},
	)
	if err != nil {
		p.metrics.IncDegraded(StageSession, "append-failed")
		log.Error("appending turns failed", zap.Error(err))
	}
}

func (p *Pipeline) record(ctx context.Context, log *zap.Logger, req entities.QuestionRequest, history []entities.ChatTurn, resp *entities.QuestionResponse) {
	if p.chatLog == nil {
		return
	}
	err := p.chatLog.Record(ctx, entities.InteractionRecord{
		SessionID:     req.SessionID,
		ClassLevel:    req.ClassLevel,
		Subject:       req.Subject,
		Language:      req.Language,
		OriginalQuery: req.Query,
		RevisedQuery:  resp.RevisedQuery,
		History:       history,
		Routing:       resp.Routing,
		Sources:       resp.Sources,
		Answer:        resp.Answer,
		Explanation:   resp.Explanation,
		Confidence:    resp.Confidence,
		ChapterUsed:   resp.ChapterUsed,
		Grounded:      resp.Grounded,
		CreatedAt:     p.now(),
	})
	if err != nil {
		log.Warn("recording interaction failed", zap.Error(err))
	}
}

func (p *Pipeline) observe(stage string, start time.Time, err error, trace *Trace) {
	d := p.now().Sub(start)
	trace.Durations[stage] = d
	p.metrics.ObserveStage(stage, d, err)
}

func stageContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func degradeReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errs.ErrMalformedOutput):
		return "malformed-output"
	case errors.Is(err, errs.ErrServiceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func chapterUsed(scope entities.Scope, sources []entities.Source) *int {
	if !scope.Unscoped() {
		n := scope.Primary
		return &n
	}
	if len(sources) > 0 {
		n := sources[0].Chapter
		return &n
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

type nopMetrics struct{}

func (nopMetrics) ObserveStage(string, time.Duration, error) {}
func (nopMetrics) IncDegraded(string, string)                {}
func (nopMetrics) ObserveAnswer(string, float64, int)        {}
func (nopMetrics) ObserveRetrieved(int)                      {}
func (nopMetrics) IncGroundingViolations(int)                {}
func (nopMetrics) IncRequest(string)                         {}
