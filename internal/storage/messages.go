package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/model"
)

const (
	// MaxListLimit caps how many rows a single listing may return.
	MaxListLimit = 500

	likeEscapeCharacter = `\`
	messageSearchClause = "name LIKE ? ESCAPE '\\' OR email LIKE ? ESCAPE '\\' OR subject LIKE ? ESCAPE '\\' OR message LIKE ? ESCAPE '\\'"
)

var (
	// ErrStorage wraps every failure reported by the underlying database.
	ErrStorage = errors.New("storage: operation failed")
	// ErrMessageNotFound indicates no message exists for the requested identifier.
	ErrMessageNotFound = errors.New("storage: message not found")

	likePatternEscaper = strings.NewReplacer(
		likeEscapeCharacter, likeEscapeCharacter+likeEscapeCharacter,
		"%", likeEscapeCharacter+"%",
		"_", likeEscapeCharacter+"_",
	)
)

// MessageFilter narrows a listing. The zero value matches every message.
type MessageFilter struct {
	Search string
}

// MessageStore persists contact submissions in the messages table.
type MessageStore struct {
	database *gorm.DB
}

// NewMessageStore wraps an open, migrated database.
func NewMessageStore(database *gorm.DB) *MessageStore {
	return &MessageStore{database: database}
}

// Insert appends the message and returns the identifier assigned by the database.
func (store *MessageStore) Insert(ctx context.Context, message *model.Message) (uint, error) {
	if message == nil {
		return 0, fmt.Errorf("%w: nil message", ErrStorage)
	}
	message.ID = 0
	if createErr := store.database.WithContext(ctx).Create(message).Error; createErr != nil {
		return 0, fmt.Errorf("%w: insert message: %v", ErrStorage, createErr)
	}
	return message.ID, nil
}

// ListRecent returns up to limit messages, newest identifier first.
func (store *MessageStore) ListRecent(ctx context.Context, limit int, filter MessageFilter) ([]model.Message, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := store.database.WithContext(ctx).Model(&model.Message{})
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + likePatternEscaper.Replace(search) + "%"
		query = query.Where(messageSearchClause, pattern, pattern, pattern, pattern)
	}

	var messages []model.Message
	if findErr := query.Order("id desc").Limit(limit).Find(&messages).Error; findErr != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrStorage, findErr)
	}
	return messages, nil
}

// AttachmentReference returns the stored relative attachment path for a
// message. An empty path with a nil error means the message has no attachment.
func (store *MessageStore) AttachmentReference(ctx context.Context, messageID uint) (string, error) {
	var message model.Message
	findErr := store.database.WithContext(ctx).
		Select("id", "attachment_path").
		First(&message, "id = ?", messageID).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return "", ErrMessageNotFound
	}
	if findErr != nil {
		return "", fmt.Errorf("%w: load attachment reference: %v", ErrStorage, findErr)
	}
	return strings.TrimSpace(message.AttachmentPath), nil
}

// Ping verifies the database connection is usable.
func (store *MessageStore) Ping(ctx context.Context) error {
	sqlDatabase, err := store.database.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if pingErr := sqlDatabase.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorage, pingErr)
	}
	return nil
}
