// Package adminsession keeps operator sessions on the server. The cookie only
// carries a signed session identifier, so destroying a session server-side
// invalidates every copy of its cookie.
package adminsession

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	// DefaultTTL is the fixed lifetime of an operator session.
	DefaultTTL = 4 * time.Hour

	defaultCookiePath = "/"
)

var (
	// ErrMissingSecret indicates the store was configured without a signing secret.
	ErrMissingSecret = errors.New("adminsession: missing session secret")
)

// Config controls cookie attributes and session lifetime.
type Config struct {
	Secret       string
	TTL          time.Duration
	SecureCookie bool
}

type record struct {
	values    map[interface{}]interface{}
	expiresAt time.Time
}

// Store is a sessions.Store holding session values in memory with a fixed
// expiry measured from creation. It is safe for concurrent use.
type Store struct {
	codecs       []securecookie.Codec
	options      sessions.Options
	ttl          time.Duration
	now          func() time.Time
	recordsMutex sync.Mutex
	records      map[string]record
}

// NewStore builds a Store signing identifiers with the configured secret.
func NewStore(configuration Config) (*Store, error) {
	secret := strings.TrimSpace(configuration.Secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	codecs := securecookie.CodecsFromPairs([]byte(secret))
	for _, codec := range codecs {
		if secureCookie, ok := codec.(*securecookie.SecureCookie); ok {
			secureCookie.MaxAge(int(ttl.Seconds()))
		}
	}

	return &Store{
		codecs: codecs,
		options: sessions.Options{
			Path:     defaultCookiePath,
			MaxAge:   int(ttl.Seconds()),
			Secure:   configuration.SecureCookie,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		},
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]record),
	}, nil
}

// WithClock replaces the time source.
func (store *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		store.now = now
	}
	return store
}

// TTL returns the fixed session lifetime.
func (store *Store) TTL() time.Duration {
	return store.ttl
}

// Get returns the session cached for this request, loading it on first use.
func (store *Store) Get(request *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(request).Get(store, name)
}

// New loads the session named by the request cookie. Unknown, expired, or
// tampered cookies yield a fresh, unauthenticated session.
func (store *Store) New(request *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(store, name)
	options := store.options
	session.Options = &options
	session.IsNew = true

	cookie, cookieErr := request.Cookie(name)
	if cookieErr != nil {
		return session, nil
	}

	var sessionID string
	if decodeErr := securecookie.DecodeMulti(name, cookie.Value, &sessionID, store.codecs...); decodeErr != nil {
		return session, fmt.Errorf("adminsession: decode cookie: %w", decodeErr)
	}

	values, found := store.load(sessionID)
	if !found {
		return session, nil
	}
	session.ID = sessionID
	session.Values = values
	session.IsNew = false
	return session, nil
}

// Save persists session values and writes the identifier cookie. A negative
// MaxAge destroys the session and clears the cookie.
func (store *Store) Save(_ *http.Request, responseWriter http.ResponseWriter, session *sessions.Session) error {
	if session.Options != nil && session.Options.MaxAge < 0 {
		store.Destroy(session.ID)
		http.SetCookie(responseWriter, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	expiresAt := store.persist(session.ID, session.Values)

	encoded, encodeErr := securecookie.EncodeMulti(session.Name(), session.ID, store.codecs...)
	if encodeErr != nil {
		return fmt.Errorf("adminsession: encode cookie: %w", encodeErr)
	}

	options := store.options
	if session.Options != nil {
		options = *session.Options
	}
	options.MaxAge = int(expiresAt.Sub(store.now()).Seconds())
	if options.MaxAge <= 0 {
		options.MaxAge = 1
	}
	http.SetCookie(responseWriter, sessions.NewCookie(session.Name(), encoded, &options))
	return nil
}

// Destroy removes a session so its cookie no longer authenticates.
func (store *Store) Destroy(sessionID string) {
	if sessionID == "" {
		return
	}
	store.recordsMutex.Lock()
	defer store.recordsMutex.Unlock()
	delete(store.records, sessionID)
}

// Prune drops expired sessions and returns how many were removed.
func (store *Store) Prune() int {
	now := store.now()

	store.recordsMutex.Lock()
	defer store.recordsMutex.Unlock()

	removed := 0
	for sessionID, stored := range store.records {
		if !now.Before(stored.expiresAt) {
			delete(store.records, sessionID)
			removed++
		}
	}
	return removed
}

// Len reports how many sessions are currently held.
func (store *Store) Len() int {
	store.recordsMutex.Lock()
	defer store.recordsMutex.Unlock()
	return len(store.records)
}

func (store *Store) load(sessionID string) (map[interface{}]interface{}, bool) {
	store.recordsMutex.Lock()
	defer store.recordsMutex.Unlock()

	stored, found := store.records[sessionID]
	if !found {
		return nil, false
	}
	if !store.now().Before(stored.expiresAt) {
		delete(store.records, sessionID)
		return nil, false
	}
	return copyValues(stored.values), true
}

func (store *Store) persist(sessionID string, values map[interface{}]interface{}) time.Time {
	store.recordsMutex.Lock()
	defer store.recordsMutex.Unlock()

	now := store.now()
	expiresAt := now.Add(store.ttl)
	if existing, found := store.records[sessionID]; found && now.Before(existing.expiresAt) {
		expiresAt = existing.expiresAt
	}
	store.records[sessionID] = record{values: copyValues(values), expiresAt: expiresAt}
	return expiresAt
}

func copyValues(values map[interface{}]interface{}) map[interface{}]interface{} {
	copied := make(map[interface{}]interface{}, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return copied
}
