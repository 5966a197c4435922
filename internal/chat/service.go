package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/chatcache"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/search"
	"github.com/suPer8Hu/oldsparrow/internal/store/objectstore"
)

type Titler interface {
	Generate(ctx context.Context, message string) string
}

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type ImageGenerator interface {
	Generate(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error)
}

// ImageFactory returns a generator authenticated with apiKey.
type ImageFactory func(apiKey string) ImageGenerator

type Options struct {
	PremiumModels      []string
	PremiumImageModels []string
	ImageModel         string
	SystemOpenAIKey    string
}

type Deps struct {
	Repo      *Repo
	Registry  *ai.Registry
	Selector  ai.Selector
	Admission *admission.Controller
	Anonymous *auth.AnonymousMatcher
	Titles    Titler
	Search    search.Searcher
	Fetcher   Fetcher
	Docx      TextExtractor
	Cache     *chatcache.Cache
	Publisher JobPublisher
	Images    ImageFactory
	Objects   objectstore.Store
	Timeout   time.Duration
	Log       *logger.Logger
}

type Service struct {
	repo      *Repo
	sessions  *Sessions
	assembler *Assembler
	engine    *Engine
	selector  ai.Selector
	admission *admission.Controller
	anonymous *auth.AnonymousMatcher
	titles    Titler
	search    search.Searcher
	fetcher   Fetcher
	cache     *chatcache.Cache
	publisher JobPublisher
	images    ImageFactory
	objects   objectstore.Store
	opts      Options
	log       *logger.Logger
}

func NewService(d Deps, opts Options) *Service {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		repo:      d.Repo,
		sessions:  NewSessions(d.Repo),
		assembler: NewAssembler(d.Fetcher, d.Docx, log),
		engine:    NewEngine(d.Registry, d.Repo, d.Timeout, log),
		selector:  d.Selector,
		admission: d.Admission,
		anonymous: d.Anonymous,
		titles:    d.Titles,
		search:    d.Search,
		fetcher:   d.Fetcher,
		cache:     d.Cache,
		publisher: d.Publisher,
		images:    d.Images,
		objects:   d.Objects,
		opts:      opts,
		log:       log,
	}
}

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) ownedChat(ctx context.Context, owner, chatID string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if c.UserID != owner {
		return nil, ErrForbidden
	}
	return c, nil
}

// ListChats serves the owner's chat list through the read-through cache.
func (s *Service) ListChats(ctx context.Context, owner string) ([]chatcache.Entry, error) {
	if entries, ok := s.cache.Get(ctx, owner); ok {
		return entries, nil
	}
	chats, err := s.repo.ListChats(ctx, owner)
	if err != nil {
		return nil, err
	}
	entries := make([]chatcache.Entry, 0, len(chats))
	for _, c := range chats {
		entries = append(entries, chatcache.Entry{ID: c.ID, Title: c.Title, Shared: c.Shared, CreatedAt: c.CreatedAt})
	}
	s.cache.Set(ctx, owner, entries)
	return entries, nil
}

// WatchChats reports every chat-list invalidation for owner until cancel
// is called.
func (s *Service) WatchChats(owner string) (<-chan struct{}, func()) {
	events, cancel := s.cache.Subscribe(16)
	out := make(chan struct{}, 1)
	if events == nil {
		return out, cancel
	}
	go func() {
		for ev := range events {
			if ev.Owner != owner {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
				// one pending notification is enough
			}
		}
	}()
	return out, cancel
}

func (s *Service) ListTurns(ctx context.Context, owner, chatID string) ([]Turn, error) {
	if _, err := s.ownedChat(ctx, owner, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListTurns(ctx, chatID)
}

func (s *Service) DeleteChat(ctx context.Context, owner, chatID string) error {
	if _, err := s.ownedChat(ctx, owner, chatID); err != nil {
		return err
	}
	if err := s.repo.DeleteChatCascade(ctx, chatID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, owner)
	return nil
}

func (s *Service) ShareChat(ctx context.Context, owner, chatID string) (*SharedChat, error) {
	c, err := s.ownedChat(ctx, owner, chatID)
	if err != nil {
		return nil, err
	}
	shared, err := s.repo.ShareChat(ctx, c, uuid.NewString())
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, owner)
	return shared, nil
}

func (s *Service) GetShared(ctx context.Context, sharedID string) (*SharedChat, []SharedTurn, error) {
	sc, turns, err := s.repo.GetSharedChat(ctx, sharedID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSharedChatNotFound
		}
		return nil, nil, err
	}
	return sc, turns, nil
}

// GetJob hides other users' jobs as not found.
func (s *Service) GetJob(ctx context.Context, owner, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if j.UserID != owner {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *Service) isAnonymous(id auth.Identity) bool {
	return s.anonymous.IsAnonymous(id)
}

func quotaIdentity(id auth.Identity) string {
	if e := strings.TrimSpace(id.Email); e != "" {
		return strings.ToLower(e)
	}
	return id.UserID
}

func inList(list []string, model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, item := range list {
		if strings.ToLower(item) == m {
			return true
		}
	}
	return false
}
