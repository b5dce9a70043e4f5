package pipeline

import (
	"fmt"
	"strings"

	"github.com/lumakb/luma/internal/vectorstore"
)

// Fixed user-facing messages. The moderation rejection doubles as the marker
// postprocessing uses to leave rejected answers untouched.
const (
	rejectionMessage = "I apologize, but I cannot provide information on political or sexual topics. Please ask about other subjects."

	moderationFailureMessage = "I'm sorry, there was an error processing your request."

	noContextMessage = "I couldn't find relevant information to answer your question. Please try rephrasing your query or provide more context."

	emptyAnswerMessage = "I apologize, but I couldn't generate a response to your question."

	closingInvitation = "Is there anything else you'd like to know about this topic?"
)

const moderationPromptTemplate = `You are a content moderator. Analyze the following query and determine if it contains:
1. Political content (discussions about politics, political figures, government policies, etc.)
2. Sexual content (explicit sexual topics, adult content, etc.)

Query: %q

Respond with only "SENSITIVE" if the query contains political or sexual content, or "SAFE" if it doesn't.`

func moderationPrompt(query string) string {
	return fmt.Sprintf(moderationPromptTemplate, query)
}

const synthesisPromptTemplate = `You are an intelligent assistant helping users find information from a knowledge base.

Based on the following retrieved documents, provide a comprehensive and accurate answer to the user's question.

Context Documents:
%s

User Question: %s

Instructions:
1. Analyze the provided context carefully
2. Provide a clear, informative answer based on the context
3. If the context doesn't contain enough information, acknowledge this limitation
4. Include relevant details from the context when appropriate
5. Be concise but thorough in your response

Answer:`

// synthesisPrompt numbers each retrieved document with its similarity score
// so the model can weigh stronger matches more heavily.
func synthesisPrompt(query string, docs []vectorstore.ScoredDocument) string {
	parts := make([]string, len(docs))
	for i, doc := range docs {
		parts[i] = fmt.Sprintf("Document %d (Similarity: %.2f):\n%s", i+1, doc.Similarity, doc.Content)
	}
	return fmt.Sprintf(synthesisPromptTemplate, strings.Join(parts, "\n\n"), query)
}

// sourceFooter summarizes which documents grounded the answer, with ids
// truncated to their first eight characters.
func sourceFooter(docs []vectorstore.ScoredDocument) string {
	if len(docs) == 0 {
		return ""
	}
	refs := make([]string, len(docs))
	for i, doc := range docs {
		id := doc.ID.String()
		if len(id) > 8 {
			id = id[:8]
		}
		refs[i] = fmt.Sprintf("Doc %s (sim: %.2f)", id, doc.Similarity)
	}
	return fmt.Sprintf("\n\n*Retrieved from %d documents: %s*", len(docs), strings.Join(refs, ", "))
}
