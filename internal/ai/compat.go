package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

// CompatProvider talks to any OpenAI chat-completions compatible gateway
// (OpenRouter, OpenAI, Anthropic and Google compatibility endpoints).
type CompatProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string

	// FileParser enables the OpenRouter file-parser plugin when a request
	// carries an inlined file.
	FileParser bool

	Client *http.Client
	Log    *logger.Logger
}

type compatPlugin struct {
	ID  string         `json:"id"`
	PDF map[string]any `json:"pdf,omitempty"`
}

type compatChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Plugins  []compatPlugin `json:"plugins,omitempty"`
}

type compatError struct {
	Message string `json:"message"`
}

type compatChatResp struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *compatError `json:"error,omitempty"`
}

type compatStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *compatError `json:"error,omitempty"`
}

func NewCompatProvider(target Target, siteURL, appName string, log *logger.Logger) *CompatProvider {
	if log == nil {
		log = logger.Nop()
	}
	return &CompatProvider{
		BaseURL:    target.BaseURL,
		APIKey:     target.APIKey,
		Model:      target.Model,
		SiteURL:    siteURL,
		AppName:    appName,
		FileParser: target.SupportsPlugins(),
		Client:     &http.Client{Timeout: 90 * time.Second},
		Log:        log,
	}
}

func (p *CompatProvider) validate() (string, error) {
	if p.Client == nil {
		return "", errors.New("compat: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", errors.New("compat: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.New("compat: model is required")
	}
	return model, nil
}

func (p *CompatProvider) newRequest(ctx context.Context, model string, messages []Message, stream bool) (*http.Request, error) {
	reqBody := compatChatReq{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if p.FileParser && AnyHasFile(messages) {
		reqBody.Plugins = []compatPlugin{{ID: "file-parser", PDF: map[string]any{"engine": "pdf-text"}}}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
}

// UpstreamError is a non-2xx answer from a provider.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
}

func (p *CompatProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	model, err := p.validate()
	if err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, model, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}

	var decoded compatChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("compat: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *CompatProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model, err := p.validate()
		if err != nil {
			errs <- err
			return
		}
		req, err := p.newRequest(ctx, model, messages, true)
		if err != nil {
			errs <- err
			return
		}

		// ctx bounds a stream, not the client timeout
		client := *p.Client
		client.Timeout = 0

		resp, err := client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- statusError(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded compatStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				p.Log.Warn("skipping malformed stream chunk", "model", model, "err", err)
				continue
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				p.Log.Debug("skipping stream chunk without choices", "model", model)
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return chunks, errs
}
