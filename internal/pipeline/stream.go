package pipeline

import (
	"context"
	"iter"
	"strings"
	"unicode"

	"github.com/lumakb/luma/internal/retrieval"
)

// PrepareSynthesis runs the retrieval half of the synthesis stage so a
// caller can learn the retrieved document set before any answer text is
// produced. States carrying a moderation verdict pass through unchanged;
// retrieval failures and empty result sets resolve the answer immediately,
// leaving nothing to stream.
func (p *Pipeline) PrepareSynthesis(ctx context.Context, state State) State {
	if state.IsSensitive {
		return state
	}
	if len(state.History) == 0 {
		if state.Answer == "" {
			state.Answer = emptyAnswerMessage
		}
		return state
	}
	if !state.consumeStep() {
		return p.exhausted(state)
	}

	docs, err := p.retriever.Retrieve(ctx, state.Query, p.limit, p.threshold)
	if err != nil {
		p.logger.ErrorContext(ctx, "retrieval failed", "error", err)
		state.Answer = noContextMessage
		return state
	}
	// Same re-ranking the one-shot path applies before prompt assembly.
	docs = retrieval.FormatForContext(docs)
	state.RetrievedDocs = docs

	if len(docs) == 0 {
		state.Answer = noContextMessage
	}
	return state
}

// StreamAnswer yields the answer for a prepared state as a sequence of text
// chunks. Concatenating every yielded chunk reproduces exactly the answer
// Run would have produced for the same state: resolved answers arrive as one
// finalized chunk, model output streams through with its surrounding
// whitespace trimmed the way the one-shot path trims it, and the postprocess
// decoration follows as the final chunk. Whitespace at a chunk boundary is
// held back until the next visible text arrives, so nothing is yielded that
// the one-shot answer would not contain.
//
// A model failure before any text was produced degrades to the raw-context
// fallback; a failure mid-stream is yielded as an error because the partial
// answer can no longer be silently replaced.
func (p *Pipeline) StreamAnswer(ctx context.Context, state State) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !state.consumeStep() {
			state = p.exhausted(state)
			yield(state.Answer, nil)
			return
		}

		if state.Answer != "" {
			yield(Finalize(state.Answer, state.Query, state.IsSensitive, state.RetrievedDocs), nil)
			return
		}

		streamed := false
		var tail string
		for chunk, err := range p.generator.GenerateStream(ctx, synthesisPrompt(state.Query, state.RetrievedDocs)) {
			if err != nil {
				if !streamed {
					p.logger.ErrorContext(ctx, "streaming synthesis failed before any output, answering from raw context", "error", err)
					yield(Finalize(fallbackAnswer(state.RetrievedDocs), state.Query, false, state.RetrievedDocs), nil)
					return
				}
				yield("", err)
				return
			}
			if !streamed {
				chunk = strings.TrimLeftFunc(chunk, unicode.IsSpace)
			}
			chunk = tail + chunk
			visible := strings.TrimRightFunc(chunk, unicode.IsSpace)
			tail = chunk[len(visible):]
			if visible == "" {
				continue
			}
			streamed = true
			if !yield(visible, nil) {
				return
			}
		}

		yield(sourceFooter(state.RetrievedDocs)+AnswerFooter(state.Query, state.RetrievedDocs), nil)
	}
}
