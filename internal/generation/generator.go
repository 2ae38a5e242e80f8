// Package generation produces outline lines for a note from its transcript using a language model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	llmprovider "github.com/haowjy/meridian-llm-go"
	"go.uber.org/zap"
)

const (
	roleUser      = "user"
	blockTypeText = "text"
	deltaTypeText = "text_delta"
	lineSeparator = "\n"
)

var errMissingProvider = errors.New("generation: provider is required")

// Generator streams outline lines summarizing transcript, taking the note's current text into account.
type Generator interface {
	Generate(ctx context.Context, transcript []string, noteText string) (outline.LineSource, error)
}

// LLMGeneratorConfig wires a language model provider into an LLMGenerator.
type LLMGeneratorConfig struct {
	Provider llmprovider.Provider
	Model    string
	// Limits overrides the per-stage output caps; zero fields use the provider defaults.
	Limits  TokenLimits
	Prompts Prompts
	Logger  *zap.Logger
}

// LLMGenerator runs the clean-then-outline prompt chain against a provider.
// The cleaning stage is collected in full; the outline stage is streamed line by line.
type LLMGenerator struct {
	provider llmprovider.Provider
	model    string
	limits   TokenLimits
	prompts  Prompts
	logger   *zap.Logger
}

func NewLLMGenerator(cfg LLMGeneratorConfig) (*LLMGenerator, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.Prompts.clean == nil || cfg.Prompts.outline == nil {
		return nil, fmt.Errorf("generation: prompts are required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel(cfg.Provider.Name().String())
	}
	limits := DefaultTokenLimits(cfg.Provider.Name().String())
	if cfg.Limits.Clean > 0 {
		limits.Clean = cfg.Limits.Clean
	}
	if cfg.Limits.Outline > 0 {
		limits.Outline = cfg.Limits.Outline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMGenerator{
		provider: cfg.Provider,
		model:    model,
		limits:   limits,
		prompts:  cfg.Prompts,
		logger:   logger,
	}, nil
}

// Generate returns a line source over the streamed outline. An empty transcript yields no lines.
func (g *LLMGenerator) Generate(ctx context.Context, transcript []string, noteText string) (outline.LineSource, error) {
	joined := strings.TrimSpace(strings.Join(transcript, lineSeparator))
	if joined == "" {
		return NewStaticLines(nil), nil
	}

	cleanPrompt, err := g.prompts.Clean(joined)
	if err != nil {
		return nil, err
	}
	cleaned, err := g.complete(ctx, cleanPrompt, g.limits.Clean)
	if err != nil {
		g.logger.Error("transcript cleaning failed",
			zap.String("provider", g.provider.Name().String()),
			zap.Error(err))
		return nil, fmt.Errorf("generation: clean transcript: %w", err)
	}
	if strings.TrimSpace(cleaned) == "" {
		cleaned = joined
	}

	outlinePrompt, err := g.prompts.Outline(cleaned, noteText)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	events, err := g.provider.StreamResponse(streamCtx, g.request(outlinePrompt, g.limits.Outline))
	if err != nil {
		cancel()
		g.logger.Error("outline stream failed to start",
			zap.String("provider", g.provider.Name().String()),
			zap.Error(err))
		return nil, fmt.Errorf("generation: start outline stream: %w", err)
	}
	return newStreamLines(events, cancel), nil
}

// complete drains a streamed response into a single string.
func (g *LLMGenerator) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := g.provider.StreamResponse(streamCtx, g.request(prompt, maxTokens))
	if err != nil {
		return "", err
	}
	lines := newStreamLines(events, cancel)
	defer lines.Close()

	var builder strings.Builder
	for {
		line, ok, err := lines.Next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return builder.String(), nil
		}
		builder.WriteString(line)
		builder.WriteString(lineSeparator)
	}
}

func (g *LLMGenerator) request(prompt string, maxTokens int) *llmprovider.GenerateRequest {
	text := prompt
	return &llmprovider.GenerateRequest{
		Model:  g.model,
		Params: &llmprovider.RequestParams{MaxTokens: &maxTokens},
		Messages: []llmprovider.Message{
			{
				Role: roleUser,
				Blocks: []*llmprovider.Block{
					{BlockType: blockTypeText, Sequence: 0, TextContent: &text},
				},
			},
		},
	}
}
