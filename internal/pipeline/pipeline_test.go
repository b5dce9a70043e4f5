package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/vectorstore"
)

type fakeGenerator struct {
	moderationVerdict string
	moderationErr     error
	answer            string
	answerErr         error
	streamChunks      []string
	streamErr         error
	prompts           []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if strings.Contains(prompt, "content moderator") {
		return f.moderationVerdict, f.moderationErr
	}
	return f.answer, f.answerErr
}

func (f *fakeGenerator) GenerateStream(_ context.Context, prompt string) iter.Seq2[string, error] {
	f.prompts = append(f.prompts, prompt)
	return func(yield func(string, error) bool) {
		for _, c := range f.streamChunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

type fakeRetriever struct {
	docs  []vectorstore.ScoredDocument
	err   error
	calls int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ float64) ([]vectorstore.ScoredDocument, error) {
	f.calls++
	return f.docs, f.err
}

func newTestPipeline(t *testing.T, gen *fakeGenerator, ret *fakeRetriever) *Pipeline {
	t.Helper()
	p, err := New(gen, ret, 5, 0.5, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func scoredDoc(content, source string, similarity float64) vectorstore.ScoredDocument {
	doc := vectorstore.ScoredDocument{
		ID:         uuid.New(),
		Content:    content,
		Similarity: similarity,
	}
	if source != "" {
		doc.Metadata = map[string]any{"source": source}
	}
	return doc
}

func TestRun_SafeQueryWithContext(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answer: "Paris is the capital of France."}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{
		scoredDoc("Paris is the capital of France.", "geo.md", 0.92),
	}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "What is the capital of France?", nil)

	if state.IsSensitive {
		t.Fatal("safe query marked sensitive")
	}
	if len(state.RetrievedDocs) != 1 {
		t.Fatalf("RetrievedDocs = %d, want 1", len(state.RetrievedDocs))
	}
	if !strings.Contains(state.Answer, "Paris is the capital of France.") {
		t.Errorf("answer missing model output: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "*Retrieved from 1 documents:") {
		t.Errorf("answer missing attribution footer: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "*Sources: geo.md*") {
		t.Errorf("answer missing source list: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "Is there anything else you'd like to know about this topic?") {
		t.Errorf("answer missing closing invitation: %q", state.Answer)
	}
}

func TestRun_SensitiveQuerySkipsSynthesis(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SENSITIVE"}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{scoredDoc("doc", "", 0.9)}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "some political question", nil)

	if !state.IsSensitive {
		t.Fatal("expected sensitive verdict")
	}
	if len(state.RetrievedDocs) != 0 {
		t.Error("sensitive query must not retrieve documents")
	}
	if ret.calls != 0 {
		t.Errorf("retriever called %d times, want 0", ret.calls)
	}
	want := "I apologize, but I cannot provide information on political or sexual topics. Please ask about other subjects."
	if state.Answer != want {
		t.Errorf("answer = %q, want fixed rejection", state.Answer)
	}
}

func TestRun_ModerationFailureFailsClosed(t *testing.T) {
	gen := &fakeGenerator{moderationErr: errors.New("quota exceeded")}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{scoredDoc("doc", "", 0.9)}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "an innocent question", nil)

	if !state.IsSensitive {
		t.Fatal("moderation failure must fail closed")
	}
	if ret.calls != 0 {
		t.Error("retriever must not run when moderation fails")
	}
	if state.Answer != "I'm sorry, there was an error processing your request." {
		t.Errorf("answer = %q, want fixed apology", state.Answer)
	}
}

func TestRun_ModerationVerdictNormalized(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "  sensitive\n"}
	p := newTestPipeline(t, gen, &fakeRetriever{})

	state := p.Run(context.Background(), "query", nil)
	if !state.IsSensitive {
		t.Error("lowercase padded verdict should still be treated as sensitive")
	}
}

func TestRun_EmptyKnowledgeBase(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answer: "should not be called"}
	ret := &fakeRetriever{}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "anything", nil)

	if len(state.RetrievedDocs) != 0 {
		t.Fatalf("RetrievedDocs = %d, want 0", len(state.RetrievedDocs))
	}
	if !strings.Contains(state.Answer, "I couldn't find relevant information to answer your question.") {
		t.Errorf("answer = %q, want no-context message", state.Answer)
	}
	// One Generate call for moderation, none for synthesis.
	if len(gen.prompts) != 1 {
		t.Errorf("model invoked %d times, want 1", len(gen.prompts))
	}
}

func TestRun_ModelFailureFallsBackToRawContext(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answerErr: errors.New("model down")}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{
		scoredDoc("First document content.", "", 0.9),
		scoredDoc("Second document content.", "", 0.8),
	}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "query", nil)

	if !strings.Contains(state.Answer, "Based on the available information:") {
		t.Fatalf("answer = %q, want raw-context fallback", state.Answer)
	}
	if !strings.Contains(state.Answer, "First document content.") {
		t.Errorf("fallback missing retrieved content: %q", state.Answer)
	}
}

func TestRun_RetrievalFailureDegrades(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE"}
	ret := &fakeRetriever{err: errors.New("db down")}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "query", nil)

	if len(state.RetrievedDocs) != 0 {
		t.Error("failed retrieval must leave RetrievedDocs empty")
	}
	if !strings.Contains(state.Answer, "I couldn't find relevant information") {
		t.Errorf("answer = %q, want no-context message", state.Answer)
	}
}

func TestRun_EmptyQuery(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE"}
	ret := &fakeRetriever{}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "", nil)

	if ret.calls != 0 {
		t.Error("empty conversation must not reach retrieval")
	}
	if state.Answer != "I apologize, but I couldn't generate a response to your question." {
		t.Errorf("answer = %q, want fixed apology", state.Answer)
	}
}

func TestRun_SourceDeduplication(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answer: "answer"}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{
		scoredDoc("a", "guide.md", 0.9),
		scoredDoc("b", "guide.md", 0.8),
		scoredDoc("c", "faq.md", 0.7),
	}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "query", nil)

	if !strings.Contains(state.Answer, "*Sources: guide.md, faq.md*") {
		t.Errorf("answer = %q, want deduplicated sources in first-seen order", state.Answer)
	}
}

func TestSynthesisPrompt_NumbersDocuments(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answer: "answer"}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{
		scoredDoc("alpha", "", 0.91),
		scoredDoc("beta", "", 0.72),
	}}
	p := newTestPipeline(t, gen, ret)

	p.Run(context.Background(), "query", nil)

	if len(gen.prompts) != 2 {
		t.Fatalf("model invoked %d times, want 2", len(gen.prompts))
	}
	synthesis := gen.prompts[1]
	if !strings.Contains(synthesis, "Document 1 (Similarity: 0.91):\nalpha") {
		t.Errorf("prompt missing first document: %q", synthesis)
	}
	if !strings.Contains(synthesis, "Document 2 (Similarity: 0.72):\nbeta") {
		t.Errorf("prompt missing second document: %q", synthesis)
	}
}

// Document numbering must follow similarity, not whatever order the
// retriever happened to return.
func TestSynthesisPrompt_RanksDocumentsBySimilarity(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE", answer: "answer"}
	ret := &fakeRetriever{docs: []vectorstore.ScoredDocument{
		scoredDoc("weak", "", 0.55),
		scoredDoc("strong", "", 0.93),
		scoredDoc("middle", "", 0.71),
	}}
	p := newTestPipeline(t, gen, ret)

	state := p.Run(context.Background(), "query", nil)

	synthesis := gen.prompts[1]
	if !strings.Contains(synthesis, "Document 1 (Similarity: 0.93):\nstrong") {
		t.Errorf("strongest match not numbered first: %q", synthesis)
	}
	if !strings.Contains(synthesis, "Document 2 (Similarity: 0.71):\nmiddle") {
		t.Errorf("middle match not numbered second: %q", synthesis)
	}
	if !strings.Contains(synthesis, "Document 3 (Similarity: 0.55):\nweak") {
		t.Errorf("weakest match not numbered last: %q", synthesis)
	}
	if len(state.RetrievedDocs) != 3 || state.RetrievedDocs[0].Content != "strong" {
		t.Errorf("state docs not re-ranked: %+v", state.RetrievedDocs)
	}
}

func TestModerate_StepBudgetExhausted(t *testing.T) {
	gen := &fakeGenerator{moderationVerdict: "SAFE"}
	p := newTestPipeline(t, gen, &fakeRetriever{})

	state := NewState("query", nil)
	state.RemainingSteps = 0
	state = p.Moderate(context.Background(), state)

	if len(gen.prompts) != 0 {
		t.Errorf("model invoked %d times with spent budget, want 0", len(gen.prompts))
	}
	if state.Answer != "I apologize, but I couldn't generate a response to your question." {
		t.Errorf("answer = %q, want fixed apology", state.Answer)
	}
}
