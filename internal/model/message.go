package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	messageNameMaxLength      = 200
	messageEmailMaxLength     = 200
	messageSubjectMaxLength   = 200
	messageBodyMaxLength      = 5000
	messageIPMaxLength        = 64
	messageUserAgentMaxLength = 400

	// MessagesTableName is the single table holding contact submissions.
	MessagesTableName = "messages"
)

var (
	ErrMissingMessageName  = errors.New("missing_message_name")
	ErrMissingMessageEmail = errors.New("missing_message_email")
	ErrInvalidMessageEmail = errors.New("invalid_message_email")
	ErrMissingMessageBody  = errors.New("missing_message_body")

	emailShapePattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Message is one accepted contact-form submission. Rows are append-only.
type Message struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
	Name           string    `gorm:"not null;size:200"`
	Email          string    `gorm:"not null;size:200"`
	Subject        string    `gorm:"size:200"`
	Message        string    `gorm:"not null;size:5000"`
	IP             string    `gorm:"column:ip;size:64"`
	UserAgent      string    `gorm:"size:400"`
	AttachmentPath string
}

// TableName pins the table name regardless of gorm pluralization rules.
func (Message) TableName() string {
	return MessagesTableName
}

// HasAttachment reports whether the row references a stashed file.
func (message Message) HasAttachment() bool {
	return strings.TrimSpace(message.AttachmentPath) != ""
}

// MessageInput holds the raw, untrusted values used to construct a Message.
type MessageInput struct {
	Name      string
	Email     string
	Subject   string
	Message   string
	IP        string
	UserAgent string
}

// NewMessage trims and clamps every field and rejects submissions missing a
// name, a well-formed email, or a body. Subject is optional.
func NewMessage(input MessageInput) (Message, error) {
	name := clampText(input.Name, messageNameMaxLength)
	if name == "" {
		return Message{}, ErrMissingMessageName
	}

	email := clampText(input.Email, messageEmailMaxLength)
	if email == "" {
		return Message{}, ErrMissingMessageEmail
	}
	if !emailShapePattern.MatchString(email) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidMessageEmail, email)
	}

	body := clampText(input.Message, messageBodyMaxLength)
	if body == "" {
		return Message{}, ErrMissingMessageBody
	}

	return Message{
		Name:      name,
		Email:     email,
		Subject:   clampText(input.Subject, messageSubjectMaxLength),
		Message:   body,
		IP:        clampText(input.IP, messageIPMaxLength),
		UserAgent: clampText(input.UserAgent, messageUserAgentMaxLength),
	}, nil
}

// WithAttachment returns a copy of the message referencing a stashed file.
// The stash generates the path, so it is stored verbatim.
func (message Message) WithAttachment(relativePath string) Message {
	message.AttachmentPath = relativePath
	return message
}

// IsValidationError reports whether err came from NewMessage field checks.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMissingMessageName) ||
		errors.Is(err, ErrMissingMessageEmail) ||
		errors.Is(err, ErrInvalidMessageEmail) ||
		errors.Is(err, ErrMissingMessageBody)
}

func clampText(value string, maxLength int) string {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	if len(runes) <= maxLength {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:maxLength]))
}
