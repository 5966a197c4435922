package chat

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the only writer of chat and turn rows.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateChatIfAbsent inserts chat and its seed turns in one transaction.
// When a row with the same id already exists nothing is written and the
// existing row is returned with created=false.
func (r *Repo) CreateChatIfAbsent(ctx context.Context, c *Chat, seed []Turn) (created bool, existing *Chat, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var found Chat
			if err := tx.First(&found, "id = ?", c.ID).Error; err != nil {
				return err
			}
			existing = &found
			return nil
		}
		created = true
		if len(seed) == 0 {
			return nil
		}
		for i := range seed {
			seed[i].ChatID = c.ID
		}
		return tx.Create(&seed).Error
	})
	if err != nil {
		return false, nil, err
	}
	return created, existing, nil
}

func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns the owner's chats newest first.
func (r *Repo) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// ListTurns returns a chat's turns oldest first.
func (r *Repo) ListTurns(ctx context.Context, chatID string) ([]Turn, error) {
	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Find(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

func (r *Repo) GetTurn(ctx context.Context, id string) (*Turn, error) {
	var t Turn
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) InsertTurnPlaceholder(ctx context.Context, t *Turn) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// PatchTurnResponse sets the bot response of t. If the row does not exist
// the full turn is inserted with the response instead.
func (r *Repo) PatchTurnResponse(ctx context.Context, t *Turn, text string) error {
	res := r.db.WithContext(ctx).Model(&Turn{}).
		Where("id = ?", t.ID).
		Update("bot_response", text)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	full := *t
	full.BotResponse = text
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoUpdates: clause.AssignmentColumns([]string{"bot_response"})}).
		Create(&full).Error
}

func (r *Repo) SetTurnResponseID(ctx context.Context, turnID, responseID string) error {
	return r.db.WithContext(ctx).Model(&Turn{}).
		Where("id = ?", turnID).
		Update("response_id", responseID).Error
}

// DeleteChatCascade removes the chat and all of its turns atomically.
func (r *Repo) DeleteChatCascade(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&Turn{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", chatID).Delete(&Chat{}).Error
	})
}

// ShareChat snapshots the chat's current turns under sharedID and flags the
// chat as shared, all or nothing.
func (r *Repo) ShareChat(ctx context.Context, c *Chat, sharedID string) (*SharedChat, error) {
	shared := &SharedChat{
		ID:           sharedID,
		Title:        c.Title,
		OriginChatID: c.ID,
		UserID:       c.UserID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var turns []Turn
		if err := tx.Where("chat_id = ?", c.ID).Order("created_at ASC, id ASC").Find(&turns).Error; err != nil {
			return err
		}
		if err := tx.Create(shared).Error; err != nil {
			return err
		}
		if len(turns) > 0 {
			snap := make([]SharedTurn, 0, len(turns))
			for i, t := range turns {
				snap = append(snap, SharedTurn{
					SharedChatID: sharedID,
					Position:     i,
					UserMessage:  t.UserMessage,
					BotResponse:  t.BotResponse,
					FileURL:      t.FileURL,
					FileType:     t.FileType,
					FileName:     t.FileName,
					Model:        t.Model,
					CreatedAt:    t.CreatedAt,
				})
			}
			if err := tx.Create(&snap).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Chat{}).Where("id = ?", c.ID).Update("shared", true).Error
	})
	if err != nil {
		return nil, err
	}
	return shared, nil
}

func (r *Repo) GetSharedChat(ctx context.Context, id string) (*SharedChat, []SharedTurn, error) {
	var sc SharedChat
	if err := r.db.WithContext(ctx).First(&sc, "id = ?", id).Error; err != nil {
		return nil, nil, err
	}
	var turns []SharedTurn
	if err := r.db.WithContext(ctx).
		Where("shared_chat_id = ?", id).
		Order("position ASC").
		Find(&turns).Error; err != nil {
		return nil, nil, err
	}
	return &sc, turns, nil
}

// Job CRUD
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job, or a failed one being retried.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobQueued, JobFailed}).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID string, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	if existing, err := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	// lost a race with an identical request
	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return nil, false, getErr
}
