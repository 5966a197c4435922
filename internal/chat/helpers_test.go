package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/db"
)

// scriptedProvider streams chunks, then fails with err if set. When gate is
// non-nil it blocks after the first chunk until gate is closed.
type scriptedProvider struct {
	chunks []string
	err    error
	gate   chan struct{}

	mu   sync.Mutex
	last []ai.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.record(messages)
	if p.err != nil {
		return "", p.err
	}
	return strings.Join(p.chunks, ""), nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.record(messages)
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, c := range p.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if i == 0 && p.gate != nil {
				<-p.gate
			}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

func (p *scriptedProvider) record(messages []ai.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
}

func (p *scriptedProvider) lastMessages() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemCounter() *memCounter {
	return &memCounter{counts: make(map[string]int)}
}

func (c *memCounter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= limit {
		return false, 0, nil
	}
	c.counts[key]++
	return true, limit - c.counts[key], nil
}

func (c *memCounter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type mapFetcher map[string][]byte

func (f mapFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	data, ok := f[url]
	if !ok {
		return nil, errors.New("HTTP error! status: 404")
	}
	return data, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

type putObject struct {
	key         string
	contentType string
	data        []byte
}

type memObjects struct {
	mu   sync.Mutex
	puts []putObject
}

func (m *memObjects) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, putObject{key: key, contentType: contentType, data: data})
	return "https://cdn.test/" + key, nil
}

func (m *memObjects) Backend() string { return "mem" }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Connect(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), Models()...)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

type testEnv struct {
	svc       *Service
	repo      *Repo
	counter   *memCounter
	provider  *scriptedProvider
	publisher *recordingPublisher
	objects   *memObjects
	fetcher   mapFetcher
}

func newTestEnv(t *testing.T, prov *scriptedProvider) *testEnv {
	t.Helper()
	repo := NewRepo(openTestDB(t))

	reg := ai.NewRegistry()
	factory := func(ctx context.Context, target ai.Target) (ai.Provider, error) {
		return prov, nil
	}
	for _, label := range []string{ai.LabelDefault, ai.LabelOpenRouter, ai.LabelOpenAI} {
		reg.Register(label, factory)
	}

	anon, err := auth.NewAnonymousMatcher(`^guest-[a-z0-9]+@guest\.test$`)
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}

	env := &testEnv{
		repo:      repo,
		counter:   newMemCounter(),
		provider:  prov,
		publisher: &recordingPublisher{},
		objects:   &memObjects{},
		fetcher:   mapFetcher{},
	}
	env.svc = NewService(Deps{
		Repo:      repo,
		Registry:  reg,
		Selector:  ai.Selector{DefaultModel: "openai/gpt-4o-mini", SystemAPIKey: "sys"},
		Admission: admission.NewController(env.counter),
		Anonymous: anon,
		Fetcher:   env.fetcher,
		Publisher: env.publisher,
		Objects:   env.objects,
		Timeout:   5 * time.Second,
	}, Options{
		PremiumModels:      []string{"openai/gpt-4o"},
		PremiumImageModels: []string{"gpt-image-1"},
		ImageModel:         "gpt-4.1-mini",
		SystemOpenAIKey:    "sys-openai",
	})
	return env
}

var member = auth.Identity{UserID: "u1", Email: "u1@example.com"}

// drain reads the stream to the end and returns the relayed text and error.
func drain(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var b strings.Builder
	for c := range s.Chunks {
		b.WriteString(c)
	}
	var err error
	select {
	case err = <-s.Err:
	default:
	}
	select {
	case <-s.Done:
	case <-time.After(5 * time.Second):
		t.Fatalf("generation did not finish")
	}
	return b.String(), err
}

func mustTurns(t *testing.T, repo *Repo, chatID string) []Turn {
	t.Helper()
	turns, err := repo.ListTurns(context.Background(), chatID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	return turns
}
