package ai

import "strings"

const (
	LabelDefault    = "default"
	LabelOpenRouter = "openrouter"
	LabelOpenAI     = "openai"
	LabelAnthropic  = "anthropic"
	LabelGoogle     = "google"
)

// Credentials are the caller-supplied (bring-your-own) provider keys.
type Credentials struct {
	OpenRouter string
	OpenAI     string
	Anthropic  string
	Google     string
}

func (c Credentials) Any() bool {
	return strings.TrimSpace(c.OpenRouter) != "" ||
		strings.TrimSpace(c.OpenAI) != "" ||
		strings.TrimSpace(c.Anthropic) != "" ||
		strings.TrimSpace(c.Google) != ""
}

// Target is the resolved upstream for one request.
type Target struct {
	Label   string
	BaseURL string
	APIKey  string
	Model   string
}

// BYOK reports whether the caller pays for this request with their own key.
func (t Target) BYOK() bool {
	return t.Label != LabelDefault
}

// SupportsPlugins reports whether the endpoint understands OpenRouter plugins.
func (t Target) SupportsPlugins() bool {
	return t.Label == LabelDefault || t.Label == LabelOpenRouter
}

type Selector struct {
	OpenRouterBaseURL string
	SystemAPIKey      string
	OpenAIBaseURL     string
	AnthropicBaseURL  string
	GoogleBaseURL     string
	DefaultModel      string
}

// direct provider ids for aggregator-style names
var modelAliases = map[string]string{
	"claude-3.5-sonnet": "claude-3-5-sonnet-latest",
	"claude-3.7-sonnet": "claude-3-7-sonnet-latest",
	"claude-3.5-haiku":  "claude-3-5-haiku-latest",
	"claude-sonnet-4":   "claude-sonnet-4-20250514",
	"claude-opus-4":     "claude-opus-4-20250514",
}

// Select never fails: without a usable credential it degrades to the
// system aggregator.
func (s Selector) Select(model string, creds Credentials) Target {
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.DefaultModel
	}
	lower := strings.ToLower(model)

	if key := strings.TrimSpace(creds.OpenRouter); key != "" {
		return Target{Label: LabelOpenRouter, BaseURL: s.OpenRouterBaseURL, APIKey: key, Model: model}
	}

	switch {
	case containsAny(lower, "claude", "anthropic"):
		if key := strings.TrimSpace(creds.Anthropic); key != "" {
			return Target{Label: LabelAnthropic, BaseURL: s.AnthropicBaseURL, APIKey: key, Model: directModel(model)}
		}
	case containsAny(lower, "gemini", "google"):
		if key := strings.TrimSpace(creds.Google); key != "" {
			return Target{Label: LabelGoogle, BaseURL: s.GoogleBaseURL, APIKey: key, Model: directModel(model)}
		}
	case containsAny(lower, "openai", "gpt"):
		if key := strings.TrimSpace(creds.OpenAI); key != "" {
			return Target{Label: LabelOpenAI, BaseURL: s.OpenAIBaseURL, APIKey: key, Model: directModel(model)}
		}
	}

	return Target{Label: LabelDefault, BaseURL: s.OpenRouterBaseURL, APIKey: s.SystemAPIKey, Model: model}
}

func directModel(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if alias, ok := modelAliases[strings.ToLower(model)]; ok {
		return alias
	}
	return model
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
