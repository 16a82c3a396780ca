package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"audiobookd/internal/objectstore"
)

// storyKey and textKey are the object-store keys this service reads the
// structured story / plain-text fallback from, grounded on
// integrated_storage.py's load_complete_story (S3-backed story.json /
// story.txt alongside DynamoDB session metadata; the DynamoDB half is out
// of scope here per spec.md §1 since story creation itself is an external
// collaborator — see DESIGN.md).
const (
	storyKey = "story.json"
	textKey  = "story.txt"
)

// StoreStoryLoader resolves a session's narration content from the object
// store: a structured story if present, else the plain-text fallback.
// Grounded on audio_routes.py's generate_audio_stream, which loads
// load_complete_story and falls back to a plain-text draft when no
// structured_story field is present.
type StoreStoryLoader struct {
	store objectstore.ObjectStore
}

// NewStoreStoryLoader creates a loader backed by store.
func NewStoreStoryLoader(store objectstore.ObjectStore) *StoreStoryLoader {
	return &StoreStoryLoader{store: store}
}

func (l *StoreStoryLoader) key(userID, storyID, name string) string {
	return fmt.Sprintf("users/%s/stories/%s/%s", userID, storyID, name)
}

// Load implements StoryLoader: it prefers the structured story.json and
// falls back to story.txt. A missing story.json is not an error by itself;
// only the absence of both surfaces ErrStoryNotFound.
func (l *StoreStoryLoader) Load(ctx context.Context, sessionID, userID string) (Story, string, error) {
	if l.store == nil {
		return Story{}, "", ErrStoryNotFound
	}

	if story, err := l.loadStructured(ctx, userID, sessionID); err == nil {
		return story, "", nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return Story{}, "", fmt.Errorf("load structured story: %w", objectstore.Classify(err))
	}

	text, err := l.loadText(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Story{}, "", ErrStoryNotFound
		}
		return Story{}, "", fmt.Errorf("load story text: %w", objectstore.Classify(err))
	}
	return Story{}, text, nil
}

func (l *StoreStoryLoader) loadStructured(ctx context.Context, userID, sessionID string) (Story, error) {
	rc, _, err := l.store.Get(ctx, l.key(userID, sessionID, storyKey))
	if err != nil {
		return Story{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Story{}, fmt.Errorf("read story.json: %w", err)
	}

	var story Story
	if err := json.Unmarshal(data, &story); err != nil {
		return Story{}, fmt.Errorf("decode story.json: %w", err)
	}
	return story, nil
}

func (l *StoreStoryLoader) loadText(ctx context.Context, userID, sessionID string) (string, error) {
	rc, _, err := l.store.Get(ctx, l.key(userID, sessionID, textKey))
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read story.txt: %w", err)
	}
	return string(data), nil
}
