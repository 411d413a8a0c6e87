package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testMessageName      = "Ada Lovelace"
	testMessageEmail     = "ada@example.com"
	testMessageSubject   = "Engines"
	testMessageBody      = "I would like to talk about analytical engines."
	testMessageIP        = "203.0.113.7"
	testMessageUserAgent = "test-agent"
)

func TestNewMessageTrimsAndKeepsFields(testingT *testing.T) {
	message, err := NewMessage(MessageInput{
		Name:      "  " + testMessageName + " ",
		Email:     " " + testMessageEmail,
		Subject:   testMessageSubject + "  ",
		Message:   "\n" + testMessageBody + "\n",
		IP:        testMessageIP,
		UserAgent: testMessageUserAgent,
	})
	require.NoError(testingT, err)

	require.Zero(testingT, message.ID)
	require.Equal(testingT, testMessageName, message.Name)
	require.Equal(testingT, testMessageEmail, message.Email)
	require.Equal(testingT, testMessageSubject, message.Subject)
	require.Equal(testingT, testMessageBody, message.Message)
	require.Equal(testingT, testMessageIP, message.IP)
	require.Equal(testingT, testMessageUserAgent, message.UserAgent)
	require.False(testingT, message.HasAttachment())
}

func TestNewMessageAllowsEmptySubject(testingT *testing.T) {
	message, err := NewMessage(MessageInput{
		Name:    testMessageName,
		Email:   testMessageEmail,
		Message: testMessageBody,
	})
	require.NoError(testingT, err)
	require.Empty(testingT, message.Subject)
}

func TestNewMessageRejectsMissingFields(testingT *testing.T) {
	testCases := []struct {
		name          string
		input         MessageInput
		expectedError error
	}{
		{
			name:          "blank name",
			input:         MessageInput{Name: "   ", Email: testMessageEmail, Message: testMessageBody},
			expectedError: ErrMissingMessageName,
		},
		{
			name:          "blank email",
			input:         MessageInput{Name: testMessageName, Email: "\t", Message: testMessageBody},
			expectedError: ErrMissingMessageEmail,
		},
		{
			name:          "email without domain dot",
			input:         MessageInput{Name: testMessageName, Email: "ada@example", Message: testMessageBody},
			expectedError: ErrInvalidMessageEmail,
		},
		{
			name:          "email with spaces",
			input:         MessageInput{Name: testMessageName, Email: "ada lovelace@example.com", Message: testMessageBody},
			expectedError: ErrInvalidMessageEmail,
		},
		{
			name:          "blank body",
			input:         MessageInput{Name: testMessageName, Email: testMessageEmail, Message: "  "},
			expectedError: ErrMissingMessageBody,
		},
	}

	for _, testCase := range testCases {
		testingT.Run(testCase.name, func(subTestT *testing.T) {
			_, err := NewMessage(testCase.input)
			require.ErrorIs(subTestT, err, testCase.expectedError)
			require.True(subTestT, IsValidationError(err))
		})
	}
}

func TestNewMessageClampsLongFields(testingT *testing.T) {
	message, err := NewMessage(MessageInput{
		Name:      strings.Repeat("n", 250),
		Email:     testMessageEmail,
		Subject:   strings.Repeat("s", 300),
		Message:   strings.Repeat("é", 6000),
		UserAgent: strings.Repeat("u", 900),
	})
	require.NoError(testingT, err)
	require.Len(testingT, []rune(message.Name), messageNameMaxLength)
	require.Len(testingT, []rune(message.Subject), messageSubjectMaxLength)
	require.Len(testingT, []rune(message.Message), messageBodyMaxLength)
	require.Len(testingT, message.UserAgent, messageUserAgentMaxLength)
}

func TestWithAttachmentSetsReference(testingT *testing.T) {
	message, err := NewMessage(MessageInput{Name: testMessageName, Email: testMessageEmail, Message: testMessageBody})
	require.NoError(testingT, err)

	withAttachment := message.WithAttachment("uploads/2024-01-01T00-00-00-000000000Z__cv.pdf")
	require.True(testingT, withAttachment.HasAttachment())
	require.False(testingT, message.HasAttachment())
	require.Equal(testingT, MessagesTableName, withAttachment.TableName())
}

func TestWithAttachmentKeepsLongReferenceIntact(testingT *testing.T) {
	message, err := NewMessage(MessageInput{Name: testMessageName, Email: testMessageEmail, Message: testMessageBody})
	require.NoError(testingT, err)

	deepPath := strings.Repeat("nested/", 100) + "2024-01-01T00-00-00-000000000Z__cv.pdf"
	require.Equal(testingT, deepPath, message.WithAttachment(deepPath).AttachmentPath)
}
