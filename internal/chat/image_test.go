package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
)

type fakeImages struct {
	apiKey string
	req    ai.ImageRequest
	err    error
}

func (f *fakeImages) Generate(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ImageResult{ResponseID: "resp_2", MIMEType: "image/png", Data: []byte("png")}, nil
}

func TestGenerateImage(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	gen := &fakeImages{}
	env.svc.images = func(apiKey string) ImageGenerator {
		gen.apiKey = apiKey
		return gen
	}
	env.fetcher["https://files.test/in.png"] = []byte("input")
	ctx := context.Background()

	res, err := env.svc.GenerateImage(ctx, ImageRequest{
		Identity: member,
		Prompt:   "make it blue",
		History: []HistoryEntry{
			{Role: "user", Content: "a cat"},
			{Role: "assistant", Content: "![Generated image](x)", ResponseID: "resp_1"},
		},
		Attachment: &Attachment{URL: "https://files.test/in.png", MIMEType: "image/png", Name: "in.png"},
	})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}

	if gen.apiKey != "sys-openai" {
		t.Fatalf("expected system key, got %q", gen.apiKey)
	}
	if gen.req.PreviousResponseID != "resp_1" || gen.req.Model != "gpt-4.1-mini" {
		t.Fatalf("unexpected request: %+v", gen.req)
	}
	if gen.req.Input == nil || string(gen.req.Input.Data) != "input" {
		t.Fatalf("input image not passed")
	}

	if len(env.objects.puts) != 1 {
		t.Fatalf("expected one upload, got %d", len(env.objects.puts))
	}
	put := env.objects.puts[0]
	if !strings.HasPrefix(put.key, "images/"+res.ChatID+"/") || !strings.HasSuffix(put.key, ".png") {
		t.Fatalf("unexpected key %q", put.key)
	}
	if res.URL != "https://cdn.test/"+put.key || res.ResponseID != "resp_2" {
		t.Fatalf("unexpected result: %+v", res)
	}

	turns := mustTurns(t, env.repo, res.ChatID)
	if len(turns) != 1 || turns[0].BotResponse != ImageMarkup(res.URL) || turns[0].ResponseID != "resp_2" {
		t.Fatalf("unexpected turn: %+v", turns)
	}
	if got := env.counter.count(admission.Key("u1@example.com", admission.KindImage, false)); got != 1 {
		t.Fatalf("image quota count=%d", got)
	}
}

func TestGenerateImage_ProviderFailureKeepsPrompt(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	gen := &fakeImages{err: errors.New("upstream 500")}
	env.svc.images = func(string) ImageGenerator { return gen }

	_, err := env.svc.GenerateImage(context.Background(), ImageRequest{
		Identity: member,
		ChatID:   "c-img",
		Prompt:   "draw a fox",
	})
	if err == nil || !strings.Contains(err.Error(), "upstream 500") {
		t.Fatalf("expected provider error, got %v", err)
	}

	turns := mustTurns(t, env.repo, "c-img")
	if len(turns) != 1 {
		t.Fatalf("expected the prompt to be persisted, got %d turns", len(turns))
	}
	if turns[0].UserMessage != "draw a fox" || turns[0].BotResponse != "" {
		t.Fatalf("unexpected turn: %+v", turns[0])
	}
	if len(env.objects.puts) != 0 {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestGenerateImage_InputFetchFailureFallsBackToText(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	gen := &fakeImages{}
	env.svc.images = func(string) ImageGenerator { return gen }

	res, err := env.svc.GenerateImage(context.Background(), ImageRequest{
		Identity:   member,
		ChatID:     "c-img",
		Prompt:     "make it blue",
		Attachment: &Attachment{URL: "https://files.test/missing.png", MIMEType: "image/png", Name: "missing.png"},
	})
	if err != nil {
		t.Fatalf("fetch failure must not abort: %v", err)
	}
	if gen.req.Input != nil {
		t.Fatalf("no input image expected")
	}
	if gen.req.Prompt != "make it blue" {
		t.Fatalf("prompt not passed: %q", gen.req.Prompt)
	}

	turns := mustTurns(t, env.repo, "c-img")
	if len(turns) != 1 || turns[0].FileName != "missing.png" || turns[0].BotResponse != ImageMarkup(res.URL) {
		t.Fatalf("unexpected turn: %+v", turns)
	}
}

func TestGenerateImage_OwnKeySkipsQuota(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	gen := &fakeImages{}
	env.svc.images = func(apiKey string) ImageGenerator {
		gen.apiKey = apiKey
		return gen
	}
	key := admission.Key("u1@example.com", admission.KindImage, false)
	env.counter.counts[key] = 3

	if _, err := env.svc.GenerateImage(context.Background(), ImageRequest{
		Identity:     member,
		Prompt:       "a boat",
		OpenAIAPIKey: "sk-user",
	}); err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if gen.apiKey != "sk-user" {
		t.Fatalf("user key not used: %q", gen.apiKey)
	}
	if env.counter.count(key) != 3 {
		t.Fatalf("quota touched")
	}
}

func TestPreviousResponseID(t *testing.T) {
	h := []HistoryEntry{
		{Role: "assistant", ResponseID: "old"},
		{Role: "user", Content: "x"},
		{Role: "assistant", Content: "text only"},
	}
	if got := PreviousResponseID(h); got != "old" {
		t.Fatalf("got %q", got)
	}
	if got := PreviousResponseID(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
