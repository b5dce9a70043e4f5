// Package pipeline runs a chat query through moderation, retrieval-augmented
// synthesis and postprocessing as a small linear state machine.
package pipeline

import (
	"github.com/lumakb/luma/internal/vectorstore"
)

// defaultStepBudget bounds how many stage transitions a single request may
// take. The fixed topology never exhausts it, but the budget stays in the
// state so new stages cannot accidentally create an unbounded loop.
const defaultStepBudget = 10

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role
	Content string
}

// State carries a single request through the pipeline. Stages treat it as a
// value: each stage receives the previous state and returns a new one, so no
// state is shared between stages or requests.
type State struct {
	Query          string
	History        []Turn
	IsSensitive    bool
	RetrievedDocs  []vectorstore.ScoredDocument
	RemainingSteps int
	Answer         string
}

// NewState builds the initial state for a query, appending the query itself
// as the newest user turn.
func NewState(query string, history []Turn) State {
	turns := make([]Turn, 0, len(history)+1)
	turns = append(turns, history...)
	if query != "" {
		turns = append(turns, Turn{Role: RoleUser, Content: query})
	}
	return State{
		Query:          query,
		History:        turns,
		RemainingSteps: defaultStepBudget,
	}
}

// consumeStep spends one unit of the budget, reporting false once it is
// gone. Every stage entry point calls this, so the bound holds whether the
// stages run through Run or are driven one at a time.
func (s *State) consumeStep() bool {
	if s.RemainingSteps <= 0 {
		return false
	}
	s.RemainingSteps--
	return true
}
