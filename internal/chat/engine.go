package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

// NoResponseText replaces an empty but successful completion so a turn is
// never left blank.
const NoResponseText = "[No response generated]"

const persistTimeout = 10 * time.Second

type TurnWriter interface {
	InsertTurnPlaceholder(ctx context.Context, t *Turn) error
	PatchTurnResponse(ctx context.Context, t *Turn, text string) error
}

type Generation struct {
	// Turn is the row the answer belongs to. Its ID must be set.
	Turn Turn
	// PlaceholderWritten skips the placeholder insert (queued jobs).
	PlaceholderWritten bool
	Target             ai.Target
	Messages           []ai.Message
	// OnFinish runs after the final write with the accumulated text and the
	// provider error, if any.
	OnFinish func(text string, err error)
}

// Stream is the client side of a running generation. Chunks is closed when
// the provider stream ends; Err then holds at most one error; Done is
// closed after the final write.
type Stream struct {
	Chunks <-chan string
	Err    <-chan error
	Done   <-chan struct{}
}

type Engine struct {
	registry *ai.Registry
	writer   TurnWriter
	timeout  time.Duration
	log      *logger.Logger

	inflight sync.WaitGroup
}

func NewEngine(registry *ai.Registry, writer TurnWriter, timeout time.Duration, log *logger.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{registry: registry, writer: writer, timeout: timeout, log: log}
}

// Start runs a generation detached from clientCtx: the client going away
// stops delivery to Chunks but not consumption of the provider stream or
// persistence of the answer.
func (e *Engine) Start(clientCtx context.Context, gen Generation) *Stream {
	out := make(chan string, 16)
	errs := make(chan error, 1)
	done := make(chan struct{})

	bg := context.WithoutCancel(clientCtx)
	genCtx, cancel := context.WithTimeout(bg, e.timeout)
	log := e.log.With("chat_id", gen.Turn.ChatID, "turn_id", gen.Turn.ID, "provider", gen.Target.Label, "model", gen.Target.Model)

	turn := gen.Turn
	placeholder := make(chan error, 1)
	if gen.PlaceholderWritten {
		placeholder <- nil
	} else {
		go func() {
			wctx, wcancel := context.WithTimeout(bg, persistTimeout)
			defer wcancel()
			placeholder <- e.writer.InsertTurnPlaceholder(wctx, &turn)
		}()
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer close(done)
		defer cancel()
		defer close(out)

		connected := true
		report := func(err error) {
			if connected && clientCtx.Err() == nil {
				errs <- err
				return
			}
			log.Error("generation failed after client disconnect", "err", err)
		}

		chunks, perrs := e.open(genCtx, gen)

		awaited := false
		awaitPlaceholder := func() error {
			if awaited {
				return nil
			}
			awaited = true
			if err := <-placeholder; err != nil {
				return fmt.Errorf("persist user message: %w", err)
			}
			return nil
		}

		snap := newSnapshotWriter(func(text string) error {
			wctx, wcancel := context.WithTimeout(bg, persistTimeout)
			defer wcancel()
			return e.writer.PatchTurnResponse(wctx, &turn, text)
		}, log)

		var acc strings.Builder
		for c := range chunks {
			if err := awaitPlaceholder(); err != nil {
				cancel()
				for range chunks {
				}
				snap.Close()
				log.Error("placeholder write failed", "err", err)
				report(err)
				e.finish(gen, "", err)
				return
			}

			acc.WriteString(c)
			snap.Offer(acc.String())

			if connected {
				select {
				case out <- c:
				case <-clientCtx.Done():
					connected = false
					log.Info("client disconnected, completing in background")
				}
			}
		}
		perr := <-perrs
		snap.Close()

		if err := awaitPlaceholder(); err != nil {
			log.Error("placeholder write failed", "err", err)
			report(err)
			e.finish(gen, "", err)
			return
		}

		text := acc.String()
		switch {
		case text != "":
			e.persistFinal(bg, &turn, text, log)
		case perr == nil:
			text = NoResponseText
			e.persistFinal(bg, &turn, text, log)
		}

		if perr != nil {
			report(perr)
		}
		e.finish(gen, text, perr)
	}()

	return &Stream{Chunks: out, Err: errs, Done: done}
}

// Drain waits for every started generation to finish persisting, or for
// ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) open(ctx context.Context, gen Generation) (<-chan string, <-chan error) {
	p, err := e.registry.Get(ctx, gen.Target)
	if err != nil {
		return failed(err)
	}
	if sp, ok := p.(ai.StreamProvider); ok {
		return sp.StreamChat(ctx, gen.Messages)
	}

	// non-streaming providers answer in one chunk
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		text, err := p.Chat(ctx, gen.Messages)
		if err != nil {
			errs <- err
			return
		}
		if text != "" {
			chunks <- text
		}
	}()
	return chunks, errs
}

func failed(err error) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}

func (e *Engine) persistFinal(bg context.Context, turn *Turn, text string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(bg, persistTimeout)
	defer cancel()
	if err := e.writer.PatchTurnResponse(ctx, turn, text); err != nil {
		log.Error("final response write failed", "err", err)
	}
}

func (e *Engine) finish(gen Generation, text string, err error) {
	if gen.OnFinish != nil {
		gen.OnFinish(text, err)
	}
}

// Complete runs a generation with no client attached and returns the final
// text. The result reflects what was persisted even if ctx ends early.
func (e *Engine) Complete(ctx context.Context, gen Generation) (string, error) {
	var (
		text   string
		genErr error
	)
	next := gen.OnFinish
	gen.OnFinish = func(t string, err error) {
		text, genErr = t, err
		if next != nil {
			next(t, err)
		}
	}

	s := e.Start(ctx, gen)
	for range s.Chunks {
	}
	<-s.Done
	return text, genErr
}

// snapshotWriter serializes partial-response writes for one turn. Only the
// newest snapshot is written; older pending ones are dropped.
type snapshotWriter struct {
	write func(string) error
	log   *logger.Logger

	mu     sync.Mutex
	latest string
	dirty  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSnapshotWriter(write func(string) error, log *logger.Logger) *snapshotWriter {
	w := &snapshotWriter{
		write: write,
		log:   log,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *snapshotWriter) Offer(text string) {
	w.mu.Lock()
	w.latest = text
	w.dirty = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *snapshotWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		text, dirty := w.latest, w.dirty
		w.dirty = false
		w.mu.Unlock()
		if !dirty {
			continue
		}
		if err := w.write(text); err != nil {
			w.log.Warn("partial response write failed", "err", err)
		}
	}
}

// Close stops the writer and waits for an in-flight write. Pending
// snapshots are discarded; the caller writes the final text itself.
func (w *snapshotWriter) Close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}
