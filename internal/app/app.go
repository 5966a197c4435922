package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/attachment"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/chat"
	"github.com/suPer8Hu/oldsparrow/internal/chatcache"
	"github.com/suPer8Hu/oldsparrow/internal/config"
	"github.com/suPer8Hu/oldsparrow/internal/db"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/search"
	"github.com/suPer8Hu/oldsparrow/internal/store/objectstore"
	"github.com/suPer8Hu/oldsparrow/internal/store/redisstore"
)

// App holds the dependencies shared by the server and the worker.
type App struct {
	Cfg       config.Config
	Log       *logger.Logger
	DB        *gorm.DB
	Redis     *redisstore.Store
	Cache     *chatcache.Cache
	Anonymous *auth.AnonymousMatcher
	Chat      *chat.Service

	closers []func() error
}

// Build connects every backing service and wires the chat pipeline.
// publisher may be nil for processes that never enqueue jobs.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger, publisher chat.JobPublisher) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	gdb, err := db.Connect(cfg.DBDSN, chat.Models()...)
	if err != nil {
		return nil, err
	}
	a.DB = gdb
	a.closers = append(a.closers, func() error { return db.Close(gdb) })

	a.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	a.closers = append(a.closers, a.Redis.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx); err != nil {
		return nil, a.fail(fmt.Errorf("redis ping: %w", err))
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, a.fail(err)
	}

	docx, err := attachment.NewDocxExtractor(cfg.UnidocLicenseKey)
	if err != nil {
		return nil, a.fail(err)
	}

	a.Anonymous, err = auth.NewAnonymousMatcher(cfg.AnonymousEmailPattern)
	if err != nil {
		return nil, a.fail(err)
	}

	reg := ai.NewRegistry()
	ai.RegisterCompat(reg, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName, log)

	var searcher search.Searcher
	if strings.TrimSpace(cfg.SearchAPIKey) != "" {
		searcher = search.WithMinInterval(
			search.NewClient(cfg.SearchAPIURL, cfg.SearchAPIKey, &http.Client{Timeout: 15 * time.Second}),
			cfg.SearchMinInterval,
		)
	}

	a.Cache = chatcache.New(a.Redis, cfg.ChatListCacheTTL, log)
	a.closers = append(a.closers, a.Cache.Close)

	a.Chat = chat.NewService(chat.Deps{
		Repo:     chat.NewRepo(gdb),
		Registry: reg,
		Selector: ai.Selector{
			OpenRouterBaseURL: cfg.OpenRouterBaseURL,
			SystemAPIKey:      cfg.OpenRouterAPIKey,
			OpenAIBaseURL:     cfg.OpenAIBaseURL,
			AnthropicBaseURL:  cfg.AnthropicBaseURL,
			GoogleBaseURL:     cfg.GoogleBaseURL,
			DefaultModel:      cfg.DefaultModel,
		},
		Admission: admission.NewController(a.Redis),
		Anonymous: a.Anonymous,
		Titles:    ai.NewTitleGenerator(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.TitleModel, log),
		Search:    searcher,
		Fetcher:   attachment.NewFetcher(cfg.AttachmentMaxBytes),
		Docx:      docx,
		Cache:     a.Cache,
		Publisher: publisher,
		Images: func(apiKey string) chat.ImageGenerator {
			return ai.NewImageClient(cfg.OpenAIBaseURL, apiKey)
		},
		Objects: objects,
		Timeout: cfg.GenerationTimeout,
		Log:     log,
	}, chat.Options{
		PremiumModels:      cfg.PremiumModels,
		PremiumImageModels: cfg.PremiumImageModels,
		ImageModel:         cfg.ImageModel,
		SystemOpenAIKey:    cfg.OpenAIAPIKey,
	})

	return a, nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch strings.ToLower(cfg.ObjectStore) {
	case "gcs":
		return objectstore.NewGCSStore(ctx, cfg.GCSBucket, cfg.ObjectPublicBaseURL)
	default:
		return objectstore.NewMinIOStore(ctx, objectstore.MinIOConfig{
			Endpoint:      cfg.MinIOEndpoint,
			AccessKey:     cfg.MinIOAccessKey,
			SecretKey:     cfg.MinIOSecretKey,
			UseSSL:        cfg.MinIOUseSSL,
			Bucket:        cfg.MinIOBucket,
			PublicBaseURL: cfg.ObjectPublicBaseURL,
		})
	}
}

// AddCloser registers fn to run on Close, before the built-in closers.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order and reports every failure.
func (a *App) Close() error {
	var result error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return multierror.Append(err, cerr)
	}
	return err
}
