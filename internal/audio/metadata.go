package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"audiobookd/internal/objectstore"
)

// SessionMetadata is the per-story open key/value document this service
// appends audio-pipeline facts to (audio state, generated asset URLs).
// Grounded on state_management.py's save_story_session/load_story_session,
// re-expressed against the object store adapter instead of DynamoDB: no
// component in this spec needs a second persistence backend when the
// object store (already wired for §4.8) can hold a small JSON document per
// session just as well (see DESIGN.md).
type SessionMetadata struct {
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MetadataStore loads, merges, and persists SessionMetadata documents,
// guarding concurrent updates to the same session with a per-key mutex.
type MetadataStore struct {
	store objectstore.ObjectStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMetadataStore creates a metadata store backed by store.
func NewMetadataStore(store objectstore.ObjectStore) *MetadataStore {
	return &MetadataStore{store: store, locks: make(map[string]*sync.Mutex)}
}

func (m *MetadataStore) key(userID, sessionID string) string {
	return fmt.Sprintf("users/%s/stories/%s/metadata.json", userID, sessionID)
}

func (m *MetadataStore) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Load returns the session's metadata document, or an empty one if none has
// been saved yet.
func (m *MetadataStore) Load(ctx context.Context, userID, sessionID string) (SessionMetadata, error) {
	key := m.key(userID, sessionID)
	rc, _, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return SessionMetadata{Fields: make(map[string]any)}, nil
		}
		return SessionMetadata{}, fmt.Errorf("load session metadata: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return SessionMetadata{}, fmt.Errorf("read session metadata: %w", err)
	}

	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMetadata{}, fmt.Errorf("decode session metadata: %w", err)
	}
	if meta.Fields == nil {
		meta.Fields = make(map[string]any)
	}
	return meta, nil
}

// Update loads the current document, applies patch on top (append-style:
// only the given keys change), and persists the result.
func (m *MetadataStore) Update(ctx context.Context, userID, sessionID string, patch map[string]any) (SessionMetadata, error) {
	key := m.key(userID, sessionID)
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	meta, err := m.Load(ctx, userID, sessionID)
	if err != nil {
		return SessionMetadata{}, err
	}
	for k, v := range patch {
		meta.Fields[k] = v
	}
	meta.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(meta)
	if err != nil {
		return SessionMetadata{}, fmt.Errorf("encode session metadata: %w", err)
	}
	if _, err := m.store.Put(ctx, key, bytes.NewReader(body), objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return SessionMetadata{}, fmt.Errorf("put session metadata: %w", objectstore.Classify(err))
	}
	return meta, nil
}
