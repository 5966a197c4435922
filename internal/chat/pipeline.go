package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/common"
	"github.com/suPer8Hu/oldsparrow/internal/search"
)

const MaxMessageRunes = 3000

// ValidateMessage is applied at the request boundary before any work.
func ValidateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return &ValidationError{Msg: "Message is required"}
	}
	if utf8.RuneCountInString(msg) > MaxMessageRunes {
		return &ValidationError{Msg: fmt.Sprintf("Message exceeds %d characters", MaxMessageRunes)}
	}
	return nil
}

type ChatRequest struct {
	Identity      auth.Identity
	ChatID        string
	Message       string
	History       []HistoryEntry
	SearchEnabled bool
	Model         string
	Attachment    *Attachment
	Credentials   ai.Credentials
	Shared        bool
	Edited        bool
}

type ChatResult struct {
	ChatID              string
	Title               string
	NewChatID           string
	ConvertedFromShared bool
	TurnID              string
	// RateLimited is false for bring-your-own-key requests.
	RateLimited bool
	Remaining   int
	Stream      *Stream
}

type prepared struct {
	res      *Resolution
	target   ai.Target
	decision admission.Decision
	messages []ai.Message
	turn     Turn
}

func (s *Service) requestedModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return s.selector.DefaultModel
}

// resolveSession runs chat resolution, the title side-call and web search,
// then creates the chat row if it is new.
func (s *Service) resolveSession(ctx context.Context, req ChatRequest, withSearch bool) (*Resolution, *search.Result, error) {
	res, err := s.sessions.Resolve(ctx, SessionRequest{
		ChatID:  req.ChatID,
		Owner:   req.Identity.UserID,
		Shared:  req.Shared,
		Edited:  req.Edited,
		History: req.History,
	})
	if err != nil {
		return nil, nil, err
	}

	var found *search.Result
	g, gctx := errgroup.WithContext(ctx)
	if res.New && res.Title == "" && s.titles != nil {
		g.Go(func() error {
			res.Title = s.titles.Generate(gctx, req.Message)
			return nil
		})
	}
	if withSearch && s.search != nil {
		g.Go(func() error {
			r, err := s.search.Search(gctx, req.Message)
			if err != nil {
				s.log.Warn("web search failed", "err", err)
				return nil
			}
			found = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if err := s.sessions.Commit(ctx, res); err != nil {
		return nil, nil, err
	}
	if res.New {
		s.cache.Invalidate(ctx, req.Identity.UserID)
	}
	return res, found, nil
}

func (s *Service) prepare(ctx context.Context, req ChatRequest) (*prepared, error) {
	model := s.requestedModel(req.Model)
	target := s.selector.Select(model, req.Credentials)

	decision, err := s.admission.Admit(ctx, admission.Request{
		Kind:      admission.KindChat,
		Identity:  quotaIdentity(req.Identity),
		Premium:   inList(s.opts.PremiumModels, model),
		BYOK:      target.BYOK(),
		Anonymous: s.isAnonymous(req.Identity),
	})
	if err != nil {
		return nil, err
	}

	res, found, err := s.resolveSession(ctx, req, req.SearchEnabled)
	if err != nil {
		return nil, err
	}

	msgs := s.assembler.Assemble(ctx, AssembleInput{
		History:        req.History,
		IncludeHistory: !res.New || req.Edited || req.Shared,
		Message:        req.Message,
		Attachment:     req.Attachment,
		Search:         found,
	})

	turnID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	turn := Turn{
		ID:          turnID,
		ChatID:      res.ChatID,
		UserMessage: req.Message,
		Model:       model,
	}
	if a := req.Attachment; a != nil {
		turn.FileURL, turn.FileType, turn.FileName = a.URL, a.MIMEType, a.Name
	}

	return &prepared{res: res, target: target, decision: decision, messages: msgs, turn: turn}, nil
}

// StartChat runs the full pipeline and returns a live stream. Generation
// and persistence continue if ctx is cancelled after StartChat returns.
func (s *Service) StartChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	owner := req.Identity.UserID
	stream := s.engine.Start(ctx, Generation{
		Turn:     p.turn,
		Target:   p.target,
		Messages: p.messages,
		OnFinish: func(string, error) {
			s.cache.Invalidate(context.Background(), owner)
		},
	})

	return &ChatResult{
		ChatID:              p.res.ChatID,
		Title:               p.res.Title,
		NewChatID:           p.res.NewChatID,
		ConvertedFromShared: p.res.ConvertedFromShared,
		TurnID:              p.turn.ID,
		RateLimited:         p.decision.Limited,
		Remaining:           p.decision.Remaining,
		Stream:              stream,
	}, nil
}

type EnqueueResult struct {
	JobID     string
	ChatID    string
	TurnID    string
	NewChatID string
	Title     string
	Created   bool
}

// EnqueueChat prepares a turn and hands generation to the worker. Queued
// jobs always run on the system credential.
func (s *Service) EnqueueChat(ctx context.Context, req ChatRequest, idempotencyKey string) (*EnqueueResult, error) {
	if s.publisher == nil {
		return nil, errors.New("job queue is not configured")
	}
	owner := req.Identity.UserID
	if idempotencyKey != "" {
		if j, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, owner, idempotencyKey); err == nil {
			return &EnqueueResult{JobID: j.ID, ChatID: j.ChatID, TurnID: j.TurnID}, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	req.Credentials = ai.Credentials{}
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertTurnPlaceholder(ctx, &p.turn); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	payload, err := json.Marshal(p.messages)
	if err != nil {
		return nil, err
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             jobID,
		UserID:         owner,
		ChatID:         p.res.ChatID,
		TurnID:         p.turn.ID,
		Model:          p.turn.Model,
		Payload:        datatypes.JSON(payload),
		IdempotencyKey: key,
		Status:         JobQueued,
	})
	if err != nil {
		return nil, err
	}

	// Enqueue only when a new job was created
	if created {
		if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
			_ = s.repo.MarkJobFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed")
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
	}

	return &EnqueueResult{
		JobID:     job.ID,
		ChatID:    job.ChatID,
		TurnID:    job.TurnID,
		NewChatID: p.res.NewChatID,
		Title:     p.res.Title,
		Created:   created,
	}, nil
}

// RunJob executes a queued generation. It is called by the worker.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	if err := s.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return err
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == JobSucceeded {
		// redelivery of a finished job
		return nil
	}

	var msgs []ai.Message
	if err := json.Unmarshal(j.Payload, &msgs); err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, "corrupt payload")
		return fmt.Errorf("decode job payload: %w", err)
	}

	turn, err := s.repo.GetTurn(ctx, j.TurnID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// chat was deleted while the job was queued
			return s.repo.MarkJobFailed(ctx, jobID, "turn no longer exists")
		}
		return err
	}

	_, genErr := s.engine.Complete(ctx, Generation{
		Turn:               *turn,
		PlaceholderWritten: true,
		Target:             s.selector.Select(j.Model, ai.Credentials{}),
		Messages:           msgs,
	})
	s.cache.Invalidate(context.WithoutCancel(ctx), j.UserID)

	if genErr != nil {
		if err := s.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, genErr.Error()); err != nil {
			return err
		}
		return genErr
	}
	return s.repo.MarkJobSucceeded(context.WithoutCancel(ctx), jobID)
}
