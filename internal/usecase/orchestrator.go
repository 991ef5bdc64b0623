package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/infra/tracer"
)

// LoopState is a state of the orchestration state machine.
type LoopState string

const (
	StateInit           LoopState = "INIT"
	StateAwaitingModel  LoopState = "AWAITING_MODEL"
	StateModelResponded LoopState = "MODEL_RESPONDED"
	StateExecutingTools LoopState = "EXECUTING_TOOLS"
	StateDone           LoopState = "DONE"
	StateStopped        LoopState = "STOPPED"
)

// LLM retry backoff bounds.
const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// AgentCatalog resolves agent profiles and the shared playbook.
type AgentCatalog interface {
	AgentSource
	Playbook() string
}

// ContextSource assembles the per-request context.
type ContextSource interface {
	Assemble(ctx context.Context, agentID string, caller domain.Caller, roles []domain.AuthRole, userContext map[string]any) (domain.AssembledContext, error)
}

// ProviderSource resolves LLM providers by name.
type ProviderSource interface {
	Get(name string) (domain.LLMProvider, error)
}

// Attachment is a file sent along with the user message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

func (a Attachment) partType() string {
	if strings.HasPrefix(a.MimeType, "image/") {
		return domain.PartImage
	}
	if a.MimeType == "" {
		name := a.Name
		if name == "" {
			name = a.URL
		}
		if imageExts[strings.ToLower(path.Ext(name))] {
			return domain.PartImage
		}
	}
	return domain.PartDocument
}

// Request is one inbound chat turn.
type Request struct {
	AgentID     string
	Message     string
	History     []domain.Message
	Context     map[string]any
	Attachments []Attachment
	Caller      domain.Caller
	Roles       []domain.AuthRole
	CompanyID   string
}

// ToolTrace summarizes one executed tool call for the response.
type ToolTrace struct {
	Round    int                  `json:"round"`
	Name     string               `json:"name"`
	IsError  bool                 `json:"is_error"`
	Category domain.ErrorCategory `json:"category,omitempty"`
}

// Reply is the outcome of one orchestration run.
type Reply struct {
	Reply                string                   `json:"reply"`
	ContextUsed          domain.AssembledContext  `json:"contextUsed"`
	ModelUsed            string                   `json:"modelUsed"`
	ModelRationale       string                   `json:"modelRationale"`
	NotificationsCreated []domain.NotificationRef `json:"notificationsCreated"`
	EmailsSent           []domain.MessageRef      `json:"emailsSent"`
	SMSSent              []domain.MessageRef      `json:"smsSent"`
	TasksCreated         []string                 `json:"tasksCreated"`
	Iterations           int                      `json:"iterations"`
	Outcome              LoopState                `json:"outcome"`
	ToolCalls            []ToolTrace              `json:"toolCalls,omitempty"`
	RequestID            string                   `json:"requestId"`
}

// UpstreamError reports a model call that failed for good. The gateway maps
// it to 402 for exhausted quota and 502 otherwise.
type UpstreamError struct {
	Provider string
	Model    string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UserMessage is the text safe to show the end user.
func (e *UpstreamError) UserMessage() string {
	switch {
	case errors.Is(e.Err, domain.ErrQuotaExceeded):
		return "The AI service has run out of credit. Please ask an administrator to top up the account."
	case errors.Is(e.Err, domain.ErrAuthInvalid):
		return "The AI service rejected our credentials. Please ask an administrator to check the API key."
	case errors.Is(e.Err, domain.ErrProviderNotFound):
		return "No AI service is configured for this assistant."
	default:
		return "The AI service is not responding right now. Please try again in a minute."
	}
}

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Agents          AgentCatalog
	Assembler       ContextSource
	Router          *ModelRouter
	Providers       ProviderSource
	DefaultProvider string
	Tools           *ToolDispatcher
	Synthesizer     *Synthesizer
	Classifier      *ErrorClassifier // optional, nil = no LLM retries
	Metrics         *metrics.Metrics // optional
	Logger          *slog.Logger
	MaxIterations   int
	MaxErrorRounds  int
	HistoryLimit    int
	WriteBudget     int
	LLMTimeout      time.Duration
	LLMRetries      int
	MaxContextBytes int
	Sleep           func(ctx context.Context, d time.Duration) error // for testing
}

// Orchestrator runs the bounded model/tool loop for one request at a time.
// It holds no per-request state; concurrent Handle calls are independent.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator with defaults filled in.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 5
	}
	if deps.MaxErrorRounds <= 0 {
		deps.MaxErrorRounds = 2
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 20
	}
	if deps.WriteBudget <= 0 {
		deps.WriteBudget = 3
	}
	if deps.LLMTimeout <= 0 {
		deps.LLMTimeout = 90 * time.Second
	}
	if deps.LLMRetries < 0 {
		deps.LLMRetries = 0
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = NewSynthesizer()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Orchestrator{deps: deps}
}

// run is the state of one orchestration run.
type run struct {
	req          Request
	rc           *domain.RequestContext
	profile      *domain.AgentProfile
	decision     domain.ModelDecision
	provider     domain.LLMProvider
	model        string
	assembled    domain.AssembledContext
	tools        []domain.ToolSchema
	prompt       *PromptBuilder
	contextBytes int
	messages     []domain.Message
	last         domain.Message
	rounds       []ToolRound
	iterations   int
	errorRounds  int
	reply        string
	servedModel  string
	usage        domain.Usage
	state        LoopState
	reason       string
}

// Handle runs one request through the state machine and always produces a
// reply unless the agent is unknown or the model cannot be reached.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Reply, error) {
	if domain.RequestIDFromContext(ctx) == "" {
		ctx = domain.ContextWithRequestID(ctx, ulid.Make().String())
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.handle",
		trace.WithAttributes(tracer.AgentAttr(req.AgentID)),
	)
	defer span.End()

	r := &run{req: req, state: StateInit}
	for r.state != StateDone && r.state != StateStopped {
		o.deps.Logger.DebugContext(ctx, "orchestrator state", "state", r.state, "iteration", r.iterations)
		next, err := o.runState(ctx, r)
		if err != nil {
			tracer.RecordError(span, err)
			o.deps.Metrics.ObserveLoop("ERROR", errorReason(err), r.iterations)
			return nil, err
		}
		if r.state == StateInit {
			ctx = domain.ContextWithRequest(ctx, r.rc)
		}
		r.state = next
	}

	o.finish(r)
	o.deps.Logger.InfoContext(ctx, "orchestration finished",
		"outcome", r.state, "reason", r.reason, "iterations", r.iterations, "tokens", r.usage.TotalTokens)
	o.deps.Metrics.ObserveLoop(string(r.state), r.reason, r.iterations)
	span.SetAttributes(
		tracer.StringAttr("loop.outcome", string(r.state)),
		tracer.StringAttr("loop.reason", r.reason),
		tracer.IntAttr("loop.iterations", r.iterations),
		tracer.IntAttr("llm.total_tokens", r.usage.TotalTokens),
	)
	tracer.SetOK(span)
	return o.reply(ctx, r), nil
}

// runState performs the work of r.state and returns the next state.
func (o *Orchestrator) runState(ctx context.Context, r *run) (LoopState, error) {
	switch r.state {
	case StateInit:
		return o.initRun(ctx, r)
	case StateAwaitingModel:
		return o.awaitModel(ctx, r)
	case StateModelResponded:
		return o.modelResponded(ctx, r), nil
	case StateExecutingTools:
		return o.executeTools(ctx, r), nil
	default:
		return "", fmt.Errorf("orchestrator: no transition from %s", r.state)
	}
}

func (o *Orchestrator) initRun(ctx context.Context, r *run) (LoopState, error) {
	profile, err := o.deps.Agents.Get(r.req.AgentID)
	if err != nil {
		return "", err
	}
	r.profile = profile
	r.rc = domain.NewRequestContext(r.req.Caller, r.req.Roles, r.req.CompanyID, profile, o.deps.WriteBudget)
	r.rc.UserContext = r.req.Context
	ctx = domain.ContextWithRequest(ctx, r.rc)

	r.decision = o.deps.Router.Select(profile.ID, r.req.Message, len(r.req.Attachments) > 0, len(r.req.History))
	if err := o.resolveProvider(ctx, r); err != nil {
		return "", err
	}

	assembled, err := o.deps.Assembler.Assemble(ctx, profile.ID, r.req.Caller, r.req.Roles, r.req.Context)
	if err != nil {
		return "", err
	}
	r.assembled = assembled

	r.tools = o.deps.Tools.Scoped(profile).Schemas()
	r.prompt = NewPromptBuilder(o.deps.Agents.Playbook(), o.deps.HistoryLimit, o.deps.MaxContextBytes)
	system := r.prompt.System(r.rc, assembled, r.req.Message, r.contextBytes)
	r.messages = r.prompt.Transcript(system, r.req.History, UserMessage(r.req.Message, r.req.Attachments))

	o.deps.Logger.InfoContext(ctx, "orchestration started",
		"provider", r.provider.Name(), "tier", r.decision.Tier, "tools", len(r.tools))
	return StateAwaitingModel, nil
}

// resolveProvider picks the decision's provider, falling back to the
// configured default with that provider's own model.
func (o *Orchestrator) resolveProvider(ctx context.Context, r *run) error {
	p, err := o.deps.Providers.Get(r.decision.Provider)
	if err == nil {
		r.provider, r.model = p, r.decision.Model
		return nil
	}
	o.deps.Logger.WarnContext(ctx, "routed provider unavailable, using default",
		"provider", r.decision.Provider, "default", o.deps.DefaultProvider, "error", err)
	p, derr := o.deps.Providers.Get(o.deps.DefaultProvider)
	if derr != nil {
		return &UpstreamError{Provider: r.decision.Provider, Model: r.decision.Model, Err: err}
	}
	r.provider, r.model = p, ""
	return nil
}

func (o *Orchestrator) awaitModel(ctx context.Context, r *run) (LoopState, error) {
	msg, err := o.callLLMWithRetry(ctx, r)
	if err != nil {
		return "", &UpstreamError{Provider: r.provider.Name(), Model: r.model, Err: err}
	}
	r.last = msg
	return StateModelResponded, nil
}

// modelResponded applies the termination rule for a model turn: any text
// ends the run, even when tool calls came with it.
func (o *Orchestrator) modelResponded(ctx context.Context, r *run) LoopState {
	text := strings.TrimSpace(r.last.Content)
	switch {
	case text != "":
		if len(r.last.ToolCalls) > 0 {
			names := make([]string, len(r.last.ToolCalls))
			for i, c := range r.last.ToolCalls {
				names[i] = c.Name
			}
			o.deps.Logger.WarnContext(ctx, "model returned text and tool calls, dropping the calls",
				"agent", r.profile.ID, "tools", strings.Join(names, ","))
		}
		r.reply, r.reason = text, "text"
		return StateDone
	case len(r.last.ToolCalls) > 0:
		return StateExecutingTools
	default:
		r.reason = "empty_response"
		return StateDone
	}
}

func (o *Orchestrator) executeTools(ctx context.Context, r *run) LoopState {
	calls := make([]domain.ToolCall, len(r.last.ToolCalls))
	for i, c := range r.last.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + ulid.Make().String()
		}
		calls[i] = c
	}

	results := o.deps.Tools.ExecuteRound(ctx, calls)

	r.messages = append(r.messages, domain.Message{
		Role:      domain.RoleAssistant,
		ToolCalls: calls,
		Timestamp: time.Now(),
	})
	for i, c := range calls {
		r.messages = append(r.messages, domain.Message{
			Role:      domain.RoleTool,
			Name:      c.Name,
			Content:   results[i].Content,
			ToolCalls: []domain.ToolCall{{ID: c.ID, Name: c.Name}},
			Timestamp: time.Now(),
		})
	}

	round := ToolRound{Calls: calls, Results: results}
	r.rounds = append(r.rounds, round)
	r.iterations++
	if round.AllFailed() {
		r.errorRounds++
	} else {
		r.errorRounds = 0
	}

	switch {
	case r.errorRounds >= o.deps.MaxErrorRounds:
		r.reason = "systemic_failure"
		o.deps.Logger.WarnContext(ctx, "stopping after repeated tool failures",
			"rounds", r.errorRounds, "iteration", r.iterations)
		return StateStopped
	case r.iterations >= o.deps.MaxIterations:
		r.reason = "max_iterations"
		o.deps.Logger.InfoContext(ctx, "iteration cap reached", "iterations", r.iterations)
		return StateDone
	default:
		return StateAwaitingModel
	}
}

// finish fills in the reply for runs that ended without model text and
// completes briefings.
func (o *Orchestrator) finish(r *run) {
	if r.state == StateStopped || r.reply == "" {
		r.reply = o.deps.Synthesizer.Synthesize(r.rounds, r.state == StateStopped)
	}
	if br := r.profile.Briefing; br != nil && br.Trigger != nil && br.Trigger.MatchString(r.req.Message) {
		r.reply = CompleteBriefing(r.reply, br, r.assembled)
	}
}

func (o *Orchestrator) reply(ctx context.Context, r *run) *Reply {
	model := r.model
	if model == "" {
		model = r.servedModel
	}
	var traces []ToolTrace
	for i, round := range r.rounds {
		for j, c := range round.Calls {
			traces = append(traces, ToolTrace{
				Round: i + 1, Name: c.Name,
				IsError: round.Results[j].IsError, Category: round.Results[j].Category,
			})
		}
	}
	return &Reply{
		Reply:                r.reply,
		ContextUsed:          r.assembled,
		ModelUsed:            r.provider.Name() + "/" + model,
		ModelRationale:       r.decision.Rationale,
		NotificationsCreated: r.rc.Effects.Notifications(),
		EmailsSent:           r.rc.Effects.Emails(),
		SMSSent:              r.rc.Effects.SMS(),
		TasksCreated:         r.rc.Effects.Tasks(),
		Iterations:           r.iterations,
		Outcome:              r.state,
		ToolCalls:            traces,
		RequestID:            domain.RequestIDFromContext(ctx),
	}
}

// callLLMWithRetry calls the model, retrying errors the classifier marks
// retryable with exponential backoff. A context overflow halves the context
// budget and rebuilds the system prompt before the next attempt.
func (o *Orchestrator) callLLMWithRetry(ctx context.Context, r *run) (domain.Message, error) {
	maxAttempts := 1
	if o.deps.Classifier != nil {
		maxAttempts += o.deps.LLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req := domain.ChatRequest{
			Model:       r.model,
			Messages:    r.messages,
			Tools:       r.tools,
			MaxTokens:   r.decision.MaxTokens,
			Temperature: r.decision.Temperature,
		}

		start := time.Now()
		llmCtx, cancel := context.WithTimeout(ctx, o.deps.LLMTimeout)
		llmCtx, span := tracer.StartSpan(llmCtx, "orchestrator.llm_call",
			trace.WithAttributes(tracer.ModelAttrs(r.provider.Name(), r.model, r.decision.Tier)...),
		)
		resp, err := r.provider.Chat(llmCtx, req)
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
		cancel()

		var usage domain.Usage
		if resp != nil {
			usage = resp.Usage
			r.usage.Add(usage)
		}
		o.deps.Metrics.ObserveLLM(r.provider.Name(), r.decision.Model, r.decision.Tier, err,
			usage.PromptTokens, usage.CompletionTokens, time.Since(start))

		if err == nil {
			msg := resp.Message
			msg.Role = domain.RoleAssistant
			if resp.Model != "" {
				r.servedModel = resp.Model
			}
			o.deps.Logger.DebugContext(ctx, "llm response",
				"iteration", r.iterations, "tool_calls", len(msg.ToolCalls), "tokens", usage.TotalTokens)
			return msg, nil
		}
		lastErr = err

		if o.deps.Classifier == nil {
			return domain.Message{}, lastErr
		}
		classified := o.deps.Classifier.Classify(err)
		if classified.Category != ErrorCategoryRetryable || attempt == maxAttempts-1 {
			return domain.Message{}, lastErr
		}

		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) {
			r.contextBytes = o.shrinkContext(r)
			o.deps.Logger.InfoContext(ctx, "context overflow, retrying with smaller context",
				"attempt", attempt+1, "context_bytes", r.contextBytes)
			continue
		}

		delay := retryBackoff(attempt)
		o.deps.Logger.InfoContext(ctx, "retrying LLM call after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		if err := o.deps.Sleep(ctx, delay); err != nil {
			return domain.Message{}, err
		}
	}
	return domain.Message{}, lastErr
}

func (o *Orchestrator) shrinkContext(r *run) int {
	current := r.contextBytes
	if current <= 0 {
		current = r.prompt.maxContextBytes
	}
	next := current / 2
	r.messages[0].Content = r.prompt.System(r.rc, r.assembled, r.req.Message, next)
	return next
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return "unknown_agent"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota"
	default:
		return "upstream"
	}
}
