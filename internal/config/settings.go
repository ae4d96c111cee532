package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SettingsKey names the persisted client settings.
const SettingsKey = "mtranscribe-settings"

var ErrSettingsNotFound = errors.New("config: settings not found")

// Store persists the settings document.
type Store interface {
	Get(ctx context.Context) ([]byte, error)
	Set(ctx context.Context, data []byte) error
}

// FileStore keeps the settings document in a local JSON file.
type FileStore struct {
	Path string
}

func (f FileStore) Get(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSettingsNotFound
	}
	return data, err
}

func (f FileStore) Set(ctx context.Context, data []byte) error {
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(f.Path, data, 0600)
}

// RedisStore keeps the settings document in a single Redis string key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = SettingsKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Get(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", r.key, err)
	}
	return data, nil
}

func (r *RedisStore) Set(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", r.key, err)
	}
	return nil
}

type settingsDocument struct {
	DeepgramAPIKey string `json:"deepgramApiKey"`
}

// Settings is the persisted client state. It satisfies
// transcriber.Credentials, so a saved key applies to the next session.
type Settings struct {
	store Store
	log   zerolog.Logger

	mu             sync.RWMutex
	deepgramAPIKey string
}

func NewSettings(store Store, log zerolog.Logger) *Settings {
	return &Settings{store: store, log: log}
}

// Load reads the stored document. A missing or unreadable document leaves
// the current values in place and is only logged.
func (s *Settings) Load(ctx context.Context) {
	data, err := s.store.Get(ctx)
	if errors.Is(err, ErrSettingsNotFound) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read settings")
		return
	}

	var doc settingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Error().Err(err).Msg("Failed to parse settings")
		return
	}

	if doc.DeepgramAPIKey != "" {
		s.mu.Lock()
		s.deepgramAPIKey = doc.DeepgramAPIKey
		s.mu.Unlock()
	}
}

func (s *Settings) Save(ctx context.Context) error {
	s.mu.RLock()
	doc := settingsDocument{DeepgramAPIKey: s.deepgramAPIKey}
	s.mu.RUnlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *Settings) DeepgramAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deepgramAPIKey
}

func (s *Settings) SetDeepgramAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deepgramAPIKey = key
}
