package ai

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

const (
	DefaultTitle   = "New Chat"
	maxTitleRunes  = 100
	titleInputRune = 100
)

// TitleGenerator asks a cheap model for a short chat title.
type TitleGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

func NewTitleGenerator(baseURL, apiKey, model string, log *logger.Logger) *TitleGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &TitleGenerator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: 10 * time.Second,
		log:     log,
	}
}

// Generate never fails; any upstream problem yields DefaultTitle.
func (g *TitleGenerator) Generate(ctx context.Context, message string) string {
	excerpt := truncateRunes(strings.TrimSpace(message), titleInputRune)
	if excerpt == "" {
		return DefaultTitle
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: 30,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You write chat titles. Reply with a plain-text title of at most 10 words. No quotes, no punctuation at the end.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: excerpt,
			},
		},
	})
	if err != nil {
		g.log.Warn("title generation failed", "model", g.model, "err", err)
		return DefaultTitle
	}
	if len(resp.Choices) == 0 {
		return DefaultTitle
	}
	return CleanTitle(resp.Choices[0].Message.Content)
}

// CleanTitle strips quote characters and bounds the length.
func CleanTitle(raw string) string {
	t := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '`', '“', '”', '‘', '’':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, raw)
	t = strings.Join(strings.Fields(t), " ")
	t = truncateRunes(t, maxTitleRunes)
	if t == "" {
		return DefaultTitle
	}
	return t
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
