package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/docuchat/docuchat/internal/types"
)

// GeneratorConfig represents the configuration for the generation client.
type GeneratorConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemTemplate string
	BaseURL        string // Ollama server URL
	Timeout        time.Duration
}

// Generator produces chat answers with an Ollama model. It implements
// types.Generator; failures come back as *types.GenerationUnavailableError
// so the chat orchestrator can record a failed turn instead of crashing.
type Generator struct {
	config GeneratorConfig
	llm    llms.Model
}

// NewGeneratorWithConfig creates a new Generator with the given configuration.
func NewGeneratorWithConfig(config GeneratorConfig) (*Generator, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to the user's documents. Answer questions based on the provided context when it is relevant."
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &Generator{
		config: config,
		llm:    llm,
	}, nil
}

// Generate answers the prompt using the retrieved context snippets.
func (g *Generator) Generate(ctx context.Context, prompt string, snippets []types.ContextSnippet) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, g.config.SystemTemplate),
	}
	if block := formatContext(snippets); block != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, block))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	response, err := g.llm.GenerateContent(ctx, content,
		llms.WithTemperature(g.config.Temperature),
		llms.WithMaxTokens(g.config.MaxTokens))
	if err != nil {
		return "", &types.GenerationUnavailableError{Err: err}
	}
	if len(response.Choices) == 0 {
		return "", &types.GenerationUnavailableError{Err: fmt.Errorf("no response from LLM")}
	}

	return response.Choices[0].Content, nil
}

func formatContext(snippets []types.ContextSnippet) string {
	if len(snippets) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for i, snippet := range snippets {
		sb.WriteString(fmt.Sprintf("\n[%d] %s\n", i+1, snippet.Content))
	}
	return sb.String()
}
