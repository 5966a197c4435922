package chat

import "time"

type Chat struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	UserID    string    `gorm:"size:64;index;not null" json:"-"`
	Shared    bool      `gorm:"not null;default:false" json:"shared"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Turn is one user submission and the assistant answer to it.
type Turn struct {
	ID          string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	ChatID      string    `gorm:"size:64;not null;index:idx_turn_chat_created,priority:1" json:"chat_id"`
	UserMessage string    `gorm:"type:text;not null" json:"user_message"`
	BotResponse string    `gorm:"type:text" json:"bot_response"`
	FileURL     string    `gorm:"type:varchar(2048)" json:"file_url,omitempty"`
	FileType    string    `gorm:"type:varchar(255)" json:"file_type,omitempty"`
	FileName    string    `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	ResponseID  string    `gorm:"type:varchar(128)" json:"response_id,omitempty"`
	Model       string    `gorm:"type:varchar(128)" json:"model,omitempty"`
	CreatedAt   time.Time `gorm:"index:idx_turn_chat_created,priority:2" json:"created_at"`
}

func (Turn) TableName() string { return "chat_turns" }

// SharedChat is an immutable snapshot of a chat taken when it was shared.
type SharedChat struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	OriginChatID string    `gorm:"size:64;index;not null" json:"origin_chat_id"`
	UserID       string    `gorm:"size:64;index;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SharedChat) TableName() string { return "shared_chats" }

type SharedTurn struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SharedChatID string    `gorm:"size:36;not null;index:idx_shared_turn_pos,priority:1" json:"-"`
	Position     int       `gorm:"not null;index:idx_shared_turn_pos,priority:2" json:"position"`
	UserMessage  string    `gorm:"type:text;not null" json:"user_message"`
	BotResponse  string    `gorm:"type:text" json:"bot_response"`
	FileURL      string    `gorm:"type:varchar(2048)" json:"file_url,omitempty"`
	FileType     string    `gorm:"type:varchar(255)" json:"file_type,omitempty"`
	FileName     string    `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	Model        string    `gorm:"type:varchar(128)" json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SharedTurn) TableName() string { return "shared_turns" }

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Chat{}, &Turn{}, &SharedChat{}, &SharedTurn{}, &Job{}}
}
