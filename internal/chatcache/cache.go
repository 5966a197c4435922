package chatcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/store/redisstore"
)

// Entry is one row of a user's chat list.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

// Updated is emitted after an owner's list was invalidated.
type Updated struct {
	Owner string
}

type Backend interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Broadcaster carries invalidations between processes. Backends that
// implement it make events from the worker visible to the server.
type Broadcaster interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error)
}

const updatesChannel = "chatlist:updated"

// Cache is a read-through cache of chat lists keyed by owner. A nil *Cache
// is valid and caches nothing.
type Cache struct {
	backend Backend
	ttl     time.Duration
	log     *logger.Logger

	mu        sync.Mutex
	nextID    int
	subs      map[int]chan Updated
	bus       Broadcaster
	stopRelay func() error
}

func New(backend Backend, ttl time.Duration, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{backend: backend, ttl: ttl, log: log, subs: make(map[int]chan Updated)}
	if bus, ok := backend.(Broadcaster); ok {
		c.bus = bus
	}
	return c
}

func key(owner string) string { return "chatlist:" + owner }

func (c *Cache) Get(ctx context.Context, owner string) ([]Entry, bool) {
	if c == nil {
		return nil, false
	}
	var entries []Entry
	if err := c.backend.GetJSON(ctx, key(owner), &entries); err != nil {
		if !errors.Is(err, redisstore.ErrCacheMiss) {
			c.log.Warn("chat list cache read failed", "owner", owner, "err", err)
		}
		return nil, false
	}
	return entries, true
}

func (c *Cache) Set(ctx context.Context, owner string, entries []Entry) {
	if c == nil {
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	if err := c.backend.SetJSON(ctx, key(owner), entries, c.ttl); err != nil {
		c.log.Warn("chat list cache write failed", "owner", owner, "err", err)
	}
}

func (c *Cache) Invalidate(ctx context.Context, owner string) {
	if c == nil {
		return
	}
	if err := c.backend.Delete(ctx, key(owner)); err != nil {
		c.log.Warn("chat list cache invalidate failed", "owner", owner, "err", err)
	}

	c.mu.Lock()
	bus := c.bus
	c.mu.Unlock()
	if bus != nil {
		err := bus.Publish(ctx, updatesChannel, owner)
		if err == nil {
			return
		}
		c.log.Warn("chat list update publish failed", "owner", owner, "err", err)
	}
	c.broadcast(owner)
}

func (c *Cache) broadcast(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- Updated{Owner: owner}:
		default:
		}
	}
}

// startRelay subscribes to the shared channel once. Callers hold c.mu.
func (c *Cache) startRelay() {
	if c.bus == nil || c.stopRelay != nil {
		return
	}
	msgs, stop, err := c.bus.Subscribe(context.Background(), updatesChannel)
	if err != nil {
		// fall back to in-process events
		c.log.Warn("chat list update subscribe failed", "err", err)
		c.bus = nil
		return
	}
	c.stopRelay = stop
	go func() {
		for owner := range msgs {
			c.broadcast(owner)
		}
	}()
}

// Close stops relaying shared events.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	stop := c.stopRelay
	c.stopRelay = nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}

// Subscribe returns a channel of invalidation events and a cancel func.
// Slow subscribers miss events rather than block writers.
func (c *Cache) Subscribe(buffer int) (<-chan Updated, func()) {
	if c == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Updated, buffer)

	c.mu.Lock()
	c.startRelay()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}
