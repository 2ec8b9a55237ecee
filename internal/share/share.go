package share

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/jreplay/internal/storage"
)

var (
	// ErrInvalidExpiry is returned for an expiry outside the supported set.
	ErrInvalidExpiry = errors.New("invalid share link expiry")
	// ErrExpired is returned when a link is resolved after its deadline.
	ErrExpired = errors.New("share link expired")
)

// Expiry is the lifetime of a share link.
type Expiry string

const (
	ExpiryHour  Expiry = "1h"
	ExpiryDay   Expiry = "24h"
	ExpiryWeek  Expiry = "7d"
	ExpiryMonth Expiry = "30d"
)

// DefaultExpiry is used when no expiry is given.
const DefaultExpiry = ExpiryDay

var lifetimes = map[Expiry]time.Duration{
	ExpiryHour:  time.Hour,
	ExpiryDay:   24 * time.Hour,
	ExpiryWeek:  7 * 24 * time.Hour,
	ExpiryMonth: 30 * 24 * time.Hour,
}

// ParseExpiry accepts "1h", "24h", "7d" or "30d". An empty string selects
// DefaultExpiry.
func ParseExpiry(s string) (Expiry, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultExpiry, nil
	}
	e := Expiry(s)
	if _, ok := lifetimes[e]; !ok {
		return "", fmt.Errorf("%w: %q (want 1h, 24h, 7d or 30d)", ErrInvalidExpiry, s)
	}
	return e, nil
}

func (e Expiry) Duration() time.Duration { return lifetimes[e] }

// Link is a read-only access grant to one run's timeline.
type Link struct {
	Token     string    `json:"token"`
	JourneyID string    `json:"journeyId"`
	RunID     string    `json:"runId"`
	Expiry    Expiry    `json:"expiry"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the link still grants access at now. The deadline
// itself is the last valid instant.
func (l Link) Valid(now time.Time) bool {
	return !now.After(l.ExpiresAt)
}

// Store persists share links. *storage.Store satisfies it.
type Store interface {
	CreateShareLink(l storage.ShareLink) error
	GetShareLink(token string) (storage.ShareLink, error)
	DeleteShareLink(token string) error
}

// Service issues and resolves share links.
type Service struct {
	store   Store
	baseURL string
	now     func() time.Time
}

// NewService creates a Service that builds URLs under baseURL. A nil store
// keeps links in memory.
func NewService(store Store, baseURL string) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for issuing and checking links.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// URL returns the public address for token.
func (s *Service) URL(token string) string {
	return s.baseURL + "/shared/" + token
}

// Generate issues a link for the run that expires e after now.
func (s *Service) Generate(ctx context.Context, journeyID, runID string, e Expiry) (Link, error) {
	if err := ctx.Err(); err != nil {
		return Link{}, err
	}
	d, ok := lifetimes[e]
	if !ok {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidExpiry, e)
	}
	if runID == "" {
		return Link{}, errors.New("share link needs a run id")
	}

	now := s.now().UTC()
	rec := storage.ShareLink{
		Token:     uuid.New().String(),
		JourneyID: journeyID,
		RunID:     runID,
		Expiry:    string(e),
		CreatedAt: now,
		ExpiresAt: now.Add(d),
	}
	if err := s.store.CreateShareLink(rec); err != nil {
		return Link{}, fmt.Errorf("storing share link: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.Revoke(rec.Token)
		return Link{}, err
	}
	return s.FromRecord(rec), nil
}

// Revoke deletes token. Unknown tokens are ignored.
func (s *Service) Revoke(token string) error {
	if err := s.store.DeleteShareLink(token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Resolve looks up token and returns ErrExpired once its deadline has
// passed. Unknown tokens yield storage.ErrNotFound.
func (s *Service) Resolve(token string) (Link, error) {
	rec, err := s.store.GetShareLink(token)
	if err != nil {
		return Link{}, err
	}
	l := s.FromRecord(rec)
	if !l.Valid(s.now()) {
		return l, ErrExpired
	}
	return l, nil
}

// FromRecord converts a stored link, filling in its URL.
func (s *Service) FromRecord(rec storage.ShareLink) Link {
	return Link{
		Token:     rec.Token,
		JourneyID: rec.JourneyID,
		RunID:     rec.RunID,
		Expiry:    Expiry(rec.Expiry),
		URL:       s.URL(rec.Token),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

// MemoryStore is a Store for sessions without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]storage.ShareLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]storage.ShareLink)}
}

func (m *MemoryStore) CreateShareLink(l storage.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.Token]; ok {
		return fmt.Errorf("share link %s already exists", l.Token)
	}
	m.links[l.Token] = l
	return nil
}

func (m *MemoryStore) GetShareLink(token string) (storage.ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[token]
	if !ok {
		return storage.ShareLink{}, storage.ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) DeleteShareLink(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[token]; !ok {
		return storage.ErrNotFound
	}
	delete(m.links, token)
	return nil
}
