package pipeline

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/retrieval"
	"github.com/lumakb/luma/internal/vectorstore"
)

const (
	// fallbackContextDocs caps how many raw documents feed the degraded
	// answer when the model itself is unavailable.
	fallbackContextDocs = 3
	// fallbackContextLimit caps the degraded answer's length in runes.
	fallbackContextLimit = 1000
)

// Generator produces model text for a prompt, whole or incrementally.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Retriever finds stored documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.ScoredDocument, error)
}

// step names a stage of the state machine.
type step int

const (
	stepModerate step = iota
	stepSynthesize
	stepPostprocess
	stepEnd
)

// Pipeline wires the moderation, synthesis and postprocess stages.
type Pipeline struct {
	generator Generator
	retriever Retriever
	limit     int
	threshold float64
	logger    log.Logger
}

// New constructs a pipeline with the given retrieval limit and similarity
// threshold applied during synthesis.
func New(generator Generator, retriever Retriever, limit int, threshold float64, logger log.Logger) (*Pipeline, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("retrieval limit must be positive, got %d", limit)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{
		generator: generator,
		retriever: retriever,
		limit:     limit,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Run drives a query through the full stage sequence and returns the
// terminal state. Stage failures degrade into the state's answer rather than
// aborting the request, so Run itself never fails.
func (p *Pipeline) Run(ctx context.Context, query string, history []Turn) State {
	state := NewState(query, history)
	current := stepModerate

	for current != stepEnd {
		switch current {
		case stepModerate:
			state = p.Moderate(ctx, state)
			current = p.next(state)
		case stepSynthesize:
			state = p.synthesize(ctx, state)
			current = stepPostprocess
		case stepPostprocess:
			state = p.postprocess(state)
			current = stepEnd
		}
	}

	return state
}

// exhausted resolves a state whose step budget is spent. The fixed topology
// never reaches this, so hitting it signals a stage wired into a loop.
func (p *Pipeline) exhausted(state State) State {
	p.logger.Warn("step budget exhausted", "query_length", len(state.Query))
	if state.Answer == "" {
		state.Answer = emptyAnswerMessage
	}
	return state
}

// Moderate classifies the query and, for sensitive content, replaces the
// answer with a fixed rejection. A provider failure is treated as sensitive
// so that no unchecked query ever reaches synthesis.
func (p *Pipeline) Moderate(ctx context.Context, state State) State {
	if !state.consumeStep() {
		return p.exhausted(state)
	}

	verdict, err := p.generator.Generate(ctx, moderationPrompt(state.Query))
	if err != nil {
		p.logger.ErrorContext(ctx, "moderation call failed, treating query as sensitive", "error", err)
		state.IsSensitive = true
		state.Answer = moderationFailureMessage
		return state
	}

	if strings.ToUpper(strings.TrimSpace(verdict)) == "SENSITIVE" {
		p.logger.InfoContext(ctx, "query rejected by moderation")
		state.IsSensitive = true
		state.Answer = rejectionMessage
		return state
	}

	state.IsSensitive = false
	return state
}

// next picks the stage that follows moderation. Sensitive queries, states
// that already carry a resolved answer and queries with no conversation
// turns skip synthesis entirely.
func (p *Pipeline) next(state State) step {
	if state.IsSensitive || state.Answer != "" {
		return stepPostprocess
	}
	if len(state.History) == 0 {
		p.logger.Warn("state has no conversation turns, skipping synthesis")
		return stepPostprocess
	}
	return stepSynthesize
}

// synthesize retrieves context and asks the model for a grounded answer.
// With no matching documents it answers with a fixed message instead of
// calling the model; with a failing model it degrades to the raw retrieved
// content rather than failing the turn.
func (p *Pipeline) synthesize(ctx context.Context, state State) State {
	if !state.consumeStep() {
		return p.exhausted(state)
	}

	docs, err := p.retriever.Retrieve(ctx, state.Query, p.limit, p.threshold)
	if err != nil {
		p.logger.ErrorContext(ctx, "retrieval failed", "error", err)
		state.Answer = noContextMessage
		return state
	}
	// Prompt assembly must not trust the store's ordering, so the documents
	// are re-ranked before anything downstream numbers them.
	docs = retrieval.FormatForContext(docs)
	state.RetrievedDocs = docs

	if len(docs) == 0 {
		state.Answer = noContextMessage
		return state
	}

	answer, err := p.generator.Generate(ctx, synthesisPrompt(state.Query, docs))
	if err != nil {
		p.logger.ErrorContext(ctx, "synthesis call failed, answering from raw context", "error", err)
		state.Answer = fallbackAnswer(docs)
		return state
	}

	state.Answer = strings.TrimSpace(answer) + sourceFooter(docs)
	return state
}

// postprocess normalizes the terminal answer and decorates it with source
// attribution and a closing invitation.
func (p *Pipeline) postprocess(state State) State {
	if !state.consumeStep() {
		return p.exhausted(state)
	}

	if state.Answer == "" {
		state.Answer = emptyAnswerMessage
		return state
	}
	state.Answer = Finalize(state.Answer, state.Query, state.IsSensitive, state.RetrievedDocs)
	return state
}

// Finalize applies the terminal formatting to an answer: whitespace
// trimming, a deduplicated source list and the closing invitation.
// Moderation rejections pass through untouched. The streaming path uses
// AnswerFooter for the same decoration, so Finalize(answer) always equals
// answer + AnswerFooter for safe queries.
func Finalize(answer, query string, isSensitive bool, docs []vectorstore.ScoredDocument) string {
	if isSensitive {
		return answer
	}
	return strings.TrimSpace(answer) + AnswerFooter(query, docs)
}

// AnswerFooter renders the postprocess decoration on its own: the
// deduplicated list of metadata source values followed by the closing
// invitation. Streaming delivery emits it as the final text chunk.
func AnswerFooter(query string, docs []vectorstore.ScoredDocument) string {
	var b strings.Builder

	if sources := uniqueSources(docs); len(sources) > 0 {
		fmt.Fprintf(&b, "\n\n*Sources: %s*", strings.Join(sources, ", "))
	}
	if query != "" {
		b.WriteString("\n\n")
		b.WriteString(closingInvitation)
	}
	return b.String()
}

// uniqueSources collects metadata source values in first-seen order.
func uniqueSources(docs []vectorstore.ScoredDocument) []string {
	var sources []string
	seen := make(map[string]struct{})
	for _, doc := range docs {
		source, ok := doc.Metadata["source"].(string)
		if !ok || source == "" {
			continue
		}
		if _, dup := seen[source]; dup {
			continue
		}
		seen[source] = struct{}{}
		sources = append(sources, source)
	}
	return sources
}

// fallbackAnswer concatenates the strongest retrieved documents when the
// model is unavailable.
func fallbackAnswer(docs []vectorstore.ScoredDocument) string {
	n := len(docs)
	if n > fallbackContextDocs {
		n = fallbackContextDocs
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = docs[i].Content
	}
	context := strings.Join(parts, "\n\n")
	if runes := []rune(context); len(runes) > fallbackContextLimit {
		context = string(runes[:fallbackContextLimit]) + "..."
	}
	return "Based on the available information:\n\n" + context
}
