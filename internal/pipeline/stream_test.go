package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lumakb/luma/internal/vectorstore"
)

func collectStream(t *testing.T, p *Pipeline, state State) (string, error) {
	t.Helper()
	var b strings.Builder
	for chunk, err := range p.StreamAnswer(context.Background(), state) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

func TestStreamAnswer_MatchesRunOutput(t *testing.T) {
	docs := []vectorstore.ScoredDocument{scoredDoc("Paris is the capital.", "geo.md", 0.9)}
	gen := &fakeGenerator{
		moderationVerdict: "SAFE",
		answer:            "Paris is the capital.",
		streamChunks:      []string{"Paris is ", "the capital."},
	}
	ret := &fakeRetriever{docs: docs}
	p := newTestPipeline(t, gen, ret)

	ran := p.Run(context.Background(), "capital?", nil)

	state := p.Moderate(context.Background(), NewState("capital?", nil))
	state = p.PrepareSynthesis(context.Background(), state)
	streamed, err := collectStream(t, p, state)
	if err != nil {
		t.Fatalf("StreamAnswer error = %v", err)
	}

	if streamed != ran.Answer {
		t.Errorf("streamed answer %q differs from one-shot answer %q", streamed, ran.Answer)
	}
}

func TestStreamAnswer_SensitiveYieldsSingleRejection(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SENSITIVE", streamChunks: []string{"must not appear"}}
	p := newTestPipeline(t, gen, &fakeRetriever{})

	state := p.Moderate(context.Background(), NewState("political question", nil))
	state = p.PrepareSynthesis(context.Background(), state)

	var chunks []string
	for chunk, err := range p.StreamAnswer(context.Background(), state) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !strings.Contains(chunks[0], "cannot provide information on political or sexual topics") {
		t.Errorf("chunk = %q, want rejection text", chunks[0])
	}
	if strings.Contains(chunks[0], "Is there anything else") {
		t.Errorf("rejection must not carry the closing invitation: %q", chunks[0])
	}
}

func TestStreamAnswer_EmptyRetrievalYieldsNoContextMessage(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", streamChunks: []string{"must not appear"}}
	p := newTestPipeline(t, gen, &fakeRetriever{})

	state := p.Moderate(context.Background(), NewState("query", nil))
	state = p.PrepareSynthesis(context.Background(), state)

	streamed, err := collectStream(t, p, state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(streamed, "I couldn't find relevant information") {
		t.Errorf("streamed = %q, want no-context message", streamed)
	}
	if strings.Contains(streamed, "must not appear") {
		t.Error("model stream must not run without retrieved context")
	}
}

func TestStreamAnswer_FailureBeforeOutputDegrades(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", streamErr: errors.New("model down")}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{scoredDoc("raw content", "", 0.9)}}
	p := newTestPipeline(t, gen, ret)

	state := p.Moderate(context.Background(), NewState("query", nil))
	state = p.PrepareSynthesis(context.Background(), state)

	streamed, err := collectStream(t, p, state)
	if err != nil {
		t.Fatalf("failure before output should degrade, got error %v", err)
	}
	if !strings.Contains(streamed, "Based on the available information:") {
		t.Errorf("streamed = %q, want raw-context fallback", streamed)
	}
	if !strings.Contains(streamed, "raw content") {
		t.Errorf("fallback missing retrieved content: %q", streamed)
	}
}

func TestStreamAnswer_MidStreamFailureSurfacesError(t *testing.T) {
	streamErr := errors.New("connection reset")
	gen := &fakeGenerator{
		moderationVerdict: "SAFE",
		streamChunks:      []string{"partial "},
		streamErr:         streamErr,
	}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{scoredDoc("doc", "", 0.9)}}
	p := newTestPipeline(t, gen, ret)

	state := p.Moderate(context.Background(), NewState("query", nil))
	state = p.PrepareSynthesis(context.Background(), state)

	streamed, err := collectStream(t, p, state)
	if !errors.Is(err, streamErr) {
		t.Fatalf("error = %v, want %v", err, streamErr)
	}
	if streamed != "partial" {
		t.Errorf("streamed = %q, want the partial output before the failure", streamed)
	}
}

// The model may pad its output with whitespace. The one-shot path trims it
// before decorating, so the streamed chunks must concatenate to the same
// trimmed text.
func TestStreamAnswer_TrimsModelWhitespaceLikeRun(t *testing.T) {
	docs := []vectorstore.ScoredDocument{scoredDoc("Paris is the capital.", "geo.md", 0.9)}
	gen := &fakeGenerator{
		moderationVerdict: "SAFE",
		answer:            "  Paris is the capital.  \n",
		streamChunks:      []string{"  Paris is", " the capital.", "  \n"},
	}
	p := newTestPipeline(t, gen, &fakeRetriever{docs: docs})

	ran := p.Run(context.Background(), "capital?", nil)

	state := p.Moderate(context.Background(), NewState("capital?", nil))
	state = p.PrepareSynthesis(context.Background(), state)

	var chunks []string
	var b strings.Builder
	for chunk, err := range p.StreamAnswer(context.Background(), state) {
		if err != nil {
			t.Fatalf("StreamAnswer error = %v", err)
		}
		chunks = append(chunks, chunk)
		b.WriteString(chunk)
	}

	if b.String() != ran.Answer {
		t.Errorf("streamed answer %q differs from one-shot answer %q", b.String(), ran.Answer)
	}
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			t.Errorf("chunk %d is whitespace only: %q", i, chunk)
		}
	}
}

func TestPrepareSynthesis_StepBudgetExhausted(t *testing.T) {
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{scoredDoc("doc", "", 0.9)}}
	p := newTestPipeline(t, &fakeGenerator{moderationVerdict: "SAFE"}, ret)

	state := NewState("query", nil)
	state.RemainingSteps = 0
	state = p.PrepareSynthesis(context.Background(), state)

	if ret.calls != 0 {
		t.Errorf("retriever called %d times with spent budget, want 0", ret.calls)
	}
	if state.Answer != "I apologize, but I couldn't generate a response to your question." {
		t.Errorf("answer = %q, want fixed apology", state.Answer)
	}
}

func TestStreamAnswer_StepBudgetExhausted(t *testing.T) {
	gen := &fakeGenerator{streamChunks: []string{"must not appear"}}
	p := newTestPipeline(t, gen, &fakeRetriever{})

	state := NewState("query", nil)
	state.RetrievedDocs = []vectorstore.ScoredDocument{scoredDoc("doc", "", 0.9)}
	state.RemainingSteps = 0

	var chunks []string
	for chunk, err := range p.StreamAnswer(context.Background(), state) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	if len(gen.prompts) != 0 {
		t.Errorf("model invoked %d times with spent budget, want 0", len(gen.prompts))
	}
	if len(chunks) != 1 || chunks[0] != "I apologize, but I couldn't generate a response to your question." {
		t.Errorf("chunks = %q, want single fixed apology", chunks)
	}
}
