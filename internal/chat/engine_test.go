package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/oldsparrow/internal/ai"
)

type fakeWriter struct {
	insertErr error

	mu      sync.Mutex
	inserts int
	patches []string
}

func (w *fakeWriter) InsertTurnPlaceholder(ctx context.Context, t *Turn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts++
	return w.insertErr
}

func (w *fakeWriter) PatchTurnResponse(ctx context.Context, t *Turn, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.patches = append(w.patches, text)
	return nil
}

func engineWith(prov ai.Provider, w TurnWriter) *Engine {
	reg := ai.NewRegistry()
	reg.Register(ai.LabelDefault, func(ctx context.Context, target ai.Target) (ai.Provider, error) {
		return prov, nil
	})
	return NewEngine(reg, w, 5*time.Second, nil)
}

func TestEngine_PlaceholderFailureStopsGeneration(t *testing.T) {
	w := &fakeWriter{insertErr: errors.New("disk full")}
	e := engineWith(&scriptedProvider{chunks: []string{"a", "b"}}, w)

	var finishErr error
	s := e.Start(context.Background(), Generation{
		Turn:     Turn{ID: "t1", ChatID: "c1", UserMessage: "hi"},
		Target:   ai.Target{Label: ai.LabelDefault},
		OnFinish: func(_ string, err error) { finishErr = err },
	})
	text, err := drain(t, s)
	if err == nil || !strings.Contains(err.Error(), "persist user message") {
		t.Fatalf("expected placeholder error, got %v", err)
	}
	if text != "" {
		t.Fatalf("nothing should be relayed, got %q", text)
	}
	if finishErr == nil {
		t.Fatalf("OnFinish did not see the error")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.patches) != 0 {
		t.Fatalf("response written without a placeholder: %v", w.patches)
	}
}

func TestEngine_FinalWriteHasFullText(t *testing.T) {
	w := &fakeWriter{}
	e := engineWith(&scriptedProvider{chunks: []string{"a", "b", "c", "d"}}, w)

	s := e.Start(context.Background(), Generation{
		Turn:   Turn{ID: "t1", ChatID: "c1", UserMessage: "hi"},
		Target: ai.Target{Label: ai.LabelDefault},
	})
	if _, err := drain(t, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inserts != 1 {
		t.Fatalf("inserts=%d", w.inserts)
	}
	if len(w.patches) == 0 || w.patches[len(w.patches)-1] != "abcd" {
		t.Fatalf("last write should be the full answer, got %v", w.patches)
	}
	for i := 1; i < len(w.patches); i++ {
		if !strings.HasPrefix(w.patches[i], w.patches[i-1]) {
			t.Fatalf("writes out of order: %v", w.patches)
		}
	}
}

// chatOnly has no streaming support.
type chatOnly struct{ text string }

func (p chatOnly) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return p.text, nil
}

func TestEngine_CompleteWithNonStreamingProvider(t *testing.T) {
	w := &fakeWriter{}
	e := engineWith(chatOnly{text: "whole"}, w)

	text, err := e.Complete(context.Background(), Generation{
		Turn:               Turn{ID: "t1", ChatID: "c1"},
		PlaceholderWritten: true,
		Target:             ai.Target{Label: ai.LabelDefault},
	})
	if err != nil || text != "whole" {
		t.Fatalf("Complete=%q, %v", text, err)
	}
	if w.inserts != 0 {
		t.Fatalf("placeholder should be skipped")
	}
}

func TestEngine_UnknownProvider(t *testing.T) {
	e := NewEngine(ai.NewRegistry(), &fakeWriter{}, time.Second, nil)
	_, err := e.Complete(context.Background(), Generation{
		Turn:   Turn{ID: "t1"},
		Target: ai.Target{Label: "nope"},
	})
	if err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestEngine_DrainWaitsForBackgroundGeneration(t *testing.T) {
	gate := make(chan struct{})
	w := &fakeWriter{}
	e := engineWith(&scriptedProvider{chunks: []string{"a", "b"}, gate: gate}, w)

	s := e.Start(context.Background(), Generation{
		Turn:   Turn{ID: "t1", ChatID: "c1", UserMessage: "hi"},
		Target: ai.Target{Label: ai.LabelDefault},
	})
	<-s.Chunks

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain should time out while the provider is gated, got %v", err)
	}

	close(gate)
	go func() {
		for range s.Chunks {
		}
	}()
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if got := w.patches[len(w.patches)-1]; got != "ab" {
		t.Fatalf("final write = %q, want %q", got, "ab")
	}
}
