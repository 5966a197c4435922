package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/common"
)

type SessionRequest struct {
	ChatID  string
	Owner   string
	Shared  bool
	Edited  bool
	History []HistoryEntry
}

// Resolution is the outcome of chat resolution for one request.
type Resolution struct {
	ChatID string
	New    bool
	// Title is preset when a shared chat is forked; otherwise it is filled
	// by title generation for new chats.
	Title string
	// NewChatID is set when the canonical id differs from the one supplied.
	NewChatID           string
	ConvertedFromShared bool

	owner string
	seed  []Turn
}

type Sessions struct {
	repo *Repo
}

func NewSessions(repo *Repo) *Sessions {
	return &Sessions{repo: repo}
}

// Resolve decides which chat a request writes to. The edited-message path
// deletes the old chat here, so callers must have passed admission first.
func (s *Sessions) Resolve(ctx context.Context, req SessionRequest) (*Resolution, error) {
	if req.Shared && req.ChatID != "" {
		return s.resolveShared(ctx, req)
	}

	if req.ChatID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		return &Resolution{ChatID: id, New: true, owner: req.Owner}, nil
	}

	existing, err := s.repo.GetChat(ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res := &Resolution{ChatID: req.ChatID, New: true, owner: req.Owner}
			if req.Edited {
				res.seed = seedFromHistory(req.History)
			}
			return res, nil
		}
		return nil, fmt.Errorf("lookup chat: %w", err)
	}
	if existing.UserID != req.Owner {
		return nil, ErrForbidden
	}
	if !req.Edited {
		return &Resolution{ChatID: existing.ID, Title: existing.Title, owner: req.Owner}, nil
	}

	if err := s.repo.DeleteChatCascade(ctx, existing.ID); err != nil {
		return nil, fmt.Errorf("delete edited chat: %w", err)
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	return &Resolution{
		ChatID:    id,
		New:       true,
		NewChatID: id,
		owner:     req.Owner,
		seed:      seedFromHistory(req.History),
	}, nil
}

func (s *Sessions) resolveShared(ctx context.Context, req SessionRequest) (*Resolution, error) {
	existing, err := s.repo.GetChat(ctx, req.ChatID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup chat: %w", err)
	}
	if err == nil && existing.UserID == req.Owner {
		return &Resolution{ChatID: existing.ID, Title: existing.Title, owner: req.Owner}, nil
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		ChatID:              id,
		New:                 true,
		NewChatID:           id,
		ConvertedFromShared: true,
		owner:               req.Owner,
	}

	// prefer the immutable snapshot, then the live chat, then the client's copy
	if sc, turns, err := s.repo.GetSharedChat(ctx, req.ChatID); err == nil {
		res.Title = sc.Title
		res.seed = seedFromSnapshot(turns)
		return res, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup shared chat: %w", err)
	}
	if existing != nil && existing.Shared {
		turns, err := s.repo.ListTurns(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("list shared turns: %w", err)
		}
		res.Title = existing.Title
		res.seed = seedFromTurns(turns)
		return res, nil
	}
	res.seed = seedFromHistory(req.History)
	return res, nil
}

// Commit creates the chat row for a new resolution. A concurrent request
// that created the same id first turns this one into an existing-chat
// request, or a forbidden one if the winner was another user.
func (s *Sessions) Commit(ctx context.Context, res *Resolution) error {
	if !res.New {
		return nil
	}
	if res.Title == "" {
		res.Title = ai.DefaultTitle
	}
	created, existing, err := s.repo.CreateChatIfAbsent(ctx, &Chat{
		ID:     res.ChatID,
		Title:  res.Title,
		UserID: res.owner,
	}, res.seed)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if created {
		return nil
	}
	if existing.UserID != res.owner {
		return ErrForbidden
	}
	res.New = false
	res.Title = existing.Title
	return nil
}

// seedFromHistory pairs each user entry with the assistant entry after it.
func seedFromHistory(history []HistoryEntry) []Turn {
	var out []Turn
	base := time.Now().Add(-time.Duration(len(history)) * time.Millisecond)
	for i := 0; i < len(history); i++ {
		h := history[i]
		if h.Role != ai.RoleUser {
			continue
		}
		t := Turn{
			ID:          common.MustULID(),
			UserMessage: h.Content,
			FileURL:     h.FileURL,
			FileType:    h.FileType,
			FileName:    h.FileName,
			CreatedAt:   base.Add(time.Duration(len(out)) * time.Millisecond),
		}
		if i+1 < len(history) && history[i+1].Role != ai.RoleUser {
			next := history[i+1]
			t.BotResponse = next.Content
			t.Model = next.Model
			t.ResponseID = next.ResponseID
			i++
		}
		out = append(out, t)
	}
	return out
}

func seedFromSnapshot(turns []SharedTurn) []Turn {
	out := make([]Turn, 0, len(turns))
	base := time.Now().Add(-time.Duration(len(turns)) * time.Millisecond)
	for i, st := range turns {
		out = append(out, Turn{
			ID:          common.MustULID(),
			UserMessage: st.UserMessage,
			BotResponse: st.BotResponse,
			FileURL:     st.FileURL,
			FileType:    st.FileType,
			FileName:    st.FileName,
			Model:       st.Model,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	return out
}

func seedFromTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	base := time.Now().Add(-time.Duration(len(turns)) * time.Millisecond)
	for i, t := range turns {
		t.ID = common.MustULID()
		t.ChatID = ""
		t.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		out = append(out, t)
	}
	return out
}
