package chat

import (
	"fmt"
	"strings"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/pkg/retrieval"
)

// PromptBuilder assembles the generation prompt from retrieved chunks and
// prior turns under fixed size limits.
type PromptBuilder struct {
	contextBudget int // characters of chunk content included per prompt
	historyWindow int // prior messages included per prompt
}

func NewPromptBuilder(contextBudget, historyWindow int) *PromptBuilder {
	if contextBudget <= 0 {
		contextBudget = 6000
	}
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &PromptBuilder{
		contextBudget: contextBudget,
		historyWindow: historyWindow,
	}
}

// SelectChunks takes ranked results and keeps the top chunks whose
// combined content fits the context budget. Input order (descending
// relevance) is preserved.
func (pb *PromptBuilder) SelectChunks(ranked []retrieval.ScoredChunk) []retrieval.ScoredChunk {
	var selected []retrieval.ScoredChunk
	used := 0
	for _, sc := range ranked {
		n := len(sc.Chunk.Content)
		if used+n > pb.contextBudget {
			break
		}
		selected = append(selected, sc)
		used += n
	}
	return selected
}

// BuildPrompt renders the most recent window of conversation history
// followed by the new question. Retrieved context travels separately to
// the generation client.
func (pb *PromptBuilder) BuildPrompt(history []*models.Message, question string) string {
	if len(history) > pb.historyWindow {
		history = history[len(history)-pb.historyWindow:]
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, msg := range history {
			sb.WriteString(fmt.Sprintf("%s: %s\n", roleLabel(msg.Role), msg.Content))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("User Question: ")
	sb.WriteString(question)
	return sb.String()
}

func roleLabel(role string) string {
	switch role {
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	default:
		return "User"
	}
}
