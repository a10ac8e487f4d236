// Package pendingaction stores a single deferred user intent captured before an
// authentication redirect, so the intent survives the login round trip. At most
// one action is pending at a time and it is consumed read-once after login.
package pendingaction

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"madrasa/pkg/storage"
)

// StorageKey is the key the store owns inside the durable client storage.
const StorageKey = "pending_action"

// TTL is how long a pending action stays consumable.
const TTL = 30 * time.Minute

// Type enumerates the deferred intents the platform understands.
type Type string

const (
	TypeDownloadBook Type = "download_book"
	TypeReadBook     Type = "read_book"
	TypeQuranRead    Type = "quran_read"
	TypeQuranListen  Type = "quran_listen"
	TypeBookmark     Type = "bookmark"
	TypeReview       Type = "review"
)

// Known reports whether t is a recognised action type.
func (t Type) Known() bool {
	switch t {
	case TypeDownloadBook, TypeReadBook, TypeQuranRead, TypeQuranListen, TypeBookmark, TypeReview:
		return true
	}
	return false
}

// Action is a deferred intent with its free-form payload and creation time.
type Action struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Destination resolves the navigation target that resumes the action after
// login. Unknown types resolve to the home destination.
func (a Action) Destination() string {
	switch a.Type {
	case TypeDownloadBook:
		return fmt.Sprintf("/library/book/%s?action=download", a.stringField("id"))
	case TypeReadBook:
		return fmt.Sprintf("/library/book/%s/read", a.stringField("id"))
	case TypeQuranRead:
		return fmt.Sprintf("/quran?surah=%s&verse=%s", a.stringField("surah"), a.stringField("verse"))
	case TypeQuranListen:
		return fmt.Sprintf("/quran?surah=%s&verse=%s&mode=listen", a.stringField("surah"), a.stringField("verse"))
	case TypeBookmark:
		// The bookmark payload carries a full in-app path, not a query value.
		if path, ok := a.Data["path"].(string); ok && path != "" {
			return path
		}
		return "/"
	case TypeReview:
		return fmt.Sprintf("/courses/%s#reviews", a.stringField("id"))
	}
	return "/"
}

func (a Action) stringField(name string) string {
	v, ok := a.Data[name]
	if !ok {
		return ""
	}
	switch value := v.(type) {
	case string:
		return url.QueryEscape(value)
	case float64:
		// JSON numbers decode as float64; surah/verse/id are integral.
		return fmt.Sprintf("%d", int64(value))
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

// Store is the single-slot durable store for the pending action.
type Store struct {
	storage *storage.Store
	now     func() time.Time
}

// NewStore returns a Store backed by the shared client storage.
func NewStore(s *storage.Store) *Store {
	return &Store{storage: s, now: time.Now}
}

// Set stamps the action with the current time and persists it, replacing any
// previously pending action.
func (s *Store) Set(action Action) error {
	action.Timestamp = s.now()
	if err := s.storage.Put(StorageKey, action); err != nil {
		return fmt.Errorf("persist pending action: %w", err)
	}
	return nil
}

// Get returns the pending action if one is present and younger than TTL. A
// stale action is deleted and reported absent. Get does not consume the
// action; callers that act on it must call Clear.
func (s *Store) Get() (Action, bool, error) {
	var action Action
	ok, err := s.storage.Get(StorageKey, &action)
	if err != nil {
		return Action{}, false, fmt.Errorf("load pending action: %w", err)
	}
	if !ok {
		return Action{}, false, nil
	}
	if s.now().Sub(action.Timestamp) > TTL {
		if err := s.storage.Delete(StorageKey); err != nil {
			return Action{}, false, fmt.Errorf("discard stale pending action: %w", err)
		}
		return Action{}, false, nil
	}
	return action, true, nil
}

// Clear removes the pending action unconditionally.
func (s *Store) Clear() error {
	return s.storage.Delete(StorageKey)
}

// Exists reports raw presence without evaluating TTL. This intentionally
// mirrors the upstream behaviour: Exists can report true for an action Get
// would already consider expired.
func (s *Store) Exists() bool {
	return s.storage.Exists(StorageKey)
}
