package chat

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a queued background generation for a turn whose placeholder row
// already exists.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID string `gorm:"size:64;not null;index:uniq_job_user_idempo,unique,priority:1"`
	ChatID string `gorm:"size:64;index;not null"`
	TurnID string `gorm:"size:26;not null"`
	Model  string `gorm:"type:varchar(128);not null"`

	// assembled provider messages
	Payload datatypes.JSON `gorm:"not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "chat_jobs" }
