package httpapi_test

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/model"
)

const (
	testClientRemoteAddress = "203.0.113.5:41234"
	testUserAgent           = "portfolio-test-agent"
	testPDFContentType      = "application/pdf"
)

var testPDFContent = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type formAttachment struct {
	fileName    string
	contentType string
	content     []byte
}

func newMultipartRequest(testingT *testing.T, method string, target string, fields map[string]string, attachment *formAttachment) *http.Request {
	testingT.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for fieldName, fieldValue := range fields {
		require.NoError(testingT, writer.WriteField(fieldName, fieldValue))
	}
	if attachment != nil {
		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Disposition", `form-data; name="attachment"; filename="`+attachment.fileName+`"`)
		partHeader.Set("Content-Type", attachment.contentType)
		part, partErr := writer.CreatePart(partHeader)
		require.NoError(testingT, partErr)
		_, writeErr := part.Write(attachment.content)
		require.NoError(testingT, writeErr)
	}
	require.NoError(testingT, writer.Close())

	request := httptest.NewRequest(method, target, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("User-Agent", testUserAgent)
	request.RemoteAddr = testClientRemoteAddress
	return request
}

func validContactFields() map[string]string {
	return map[string]string{
		"name":    "  Ada Lovelace ",
		"email":   "ada@example.com",
		"subject": "Analytical engine",
		"message": "  I would like to talk about your projects.  ",
	}
}

func countMessages(testingT *testing.T, database *gorm.DB) int64 {
	testingT.Helper()
	var count int64
	require.NoError(testingT, database.Model(&model.Message{}).Count(&count).Error)
	return count
}

func listDirectoryNames(testingT *testing.T, directory string) []string {
	testingT.Helper()
	entries, readErr := os.ReadDir(directory)
	if os.IsNotExist(readErr) {
		return nil
	}
	require.NoError(testingT, readErr)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func writeTestFile(testingT *testing.T, path string, content string) {
	testingT.Helper()
	require.NoError(testingT, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(testingT, os.WriteFile(path, []byte(content), 0o600))
}
