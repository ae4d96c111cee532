package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 4573
transcription:
  provider: vosk
  vosk_server_url: ws://vosk:2700
auth:
  browser_command: chromium
  browser_args: ["--app="]
  callback_listen: 127.0.0.1:8765
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Server.Port != 4573 || config.Server.Host != "0.0.0.0" {
		t.Errorf("unexpected server config: %+v", config.Server)
	}
	if config.Server.Addr() != "0.0.0.0:4573" {
		t.Errorf("unexpected addr %s", config.Server.Addr())
	}
	if config.Transcription.Provider != "vosk" || config.Transcription.VoskServerURL != "ws://vosk:2700" {
		t.Errorf("unexpected transcription config: %+v", config.Transcription)
	}
	// defaults survive for keys the file leaves out
	if config.Transcription.Model != "nova-3" || config.Transcription.SampleRate != 8000 {
		t.Errorf("expected defaults kept, got %+v", config.Transcription)
	}
	if config.Auth.Channel != "auth_channel" || config.Auth.BrowserCommand != "chromium" {
		t.Errorf("unexpected auth config: %+v", config.Auth)
	}
	if len(config.Auth.BrowserArgs) != 1 || config.Auth.BrowserArgs[0] != "--app=" {
		t.Errorf("unexpected browser args %v", config.Auth.BrowserArgs)
	}
	if config.Auth.CallbackListen != "127.0.0.1:8765" {
		t.Errorf("unexpected callback listen %q", config.Auth.CallbackListen)
	}
	if config.Redis.SettingsKey != SettingsKey || config.Redis.Enabled() {
		t.Errorf("unexpected redis config: %+v", config.Redis)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-env")
	t.Setenv("ASSEMBLYAI_API_KEY", "aai-env")
	t.Setenv("NOTION_TOKEN", "secret_env")

	path := writeFile(t, "config.yaml", "transcription:\n  deepgram_api_key: dg-file\n")
	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Transcription.DeepgramAPIKey != "dg-env" {
		t.Errorf("expected env to win, got %q", config.Transcription.DeepgramAPIKey)
	}
	if config.Transcription.AssemblyAIAPIKey != "aai-env" || config.Notion.Token != "secret_env" {
		t.Error("expected env overrides applied")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("NOTION_TOKEN", "secret_env")
	os.WriteFile(filepath.Join(dir, EnvFile), []byte("DEEPGRAM_API_KEY=dg-dotenv\nNOTION_TOKEN=secret_dotenv\n"), 0600)

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Transcription.DeepgramAPIKey != "dg-dotenv" {
		t.Errorf("expected .env key, got %q", config.Transcription.DeepgramAPIKey)
	}
	if config.Notion.Token != "secret_env" {
		t.Errorf("expected environment to win over .env, got %q", config.Notion.Token)
	}
	if os.Getenv("DEEPGRAM_API_KEY") != "" {
		t.Error(".env values must not be exported")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "server: [unclosed"},
		{"unknown provider", "transcription:\n  provider: whisper\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.yaml", tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load without a file failed: %v", err)
	}
	if config.Transcription.Provider != "deepgram" {
		t.Errorf("expected default provider, got %s", config.Transcription.Provider)
	}
}

func TestSettingsFileStore(t *testing.T) {
	ctx := context.Background()
	store := FileStore{Path: filepath.Join(t.TempDir(), "state", "settings.json")}

	settings := NewSettings(store, zerolog.Nop())
	settings.Load(ctx) // nothing stored yet
	if settings.DeepgramAPIKey() != "" {
		t.Fatal("expected empty key without stored settings")
	}

	settings.SetDeepgramAPIKey("dg-123")
	if err := settings.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(store.Path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	if string(data) != `{"deepgramApiKey":"dg-123"}` {
		t.Errorf("unexpected document %s", data)
	}

	reloaded := NewSettings(store, zerolog.Nop())
	reloaded.Load(ctx)
	if reloaded.DeepgramAPIKey() != "dg-123" {
		t.Errorf("expected key restored, got %q", reloaded.DeepgramAPIKey())
	}
}

func TestSettingsCorruptDocument(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "settings.json", "{not json")

	settings := NewSettings(FileStore{Path: path}, zerolog.Nop())
	settings.Load(ctx)
	if settings.DeepgramAPIKey() != "" {
		t.Error("corrupt settings must fall back to an empty key")
	}

	path = writeFile(t, "settings.json", `{"deepgramApiKey":""}`)
	settings = NewSettings(FileStore{Path: path}, zerolog.Nop())
	settings.SetDeepgramAPIKey("kept")
	settings.Load(ctx)
	if settings.DeepgramAPIKey() != "kept" {
		t.Error("an empty stored key must not clear the current one")
	}
}

func TestSettingsRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "mtranscribe-test-settings-" + time.Now().Format("150405.000000")
	defer client.Del(ctx, key)
	store := NewRedisStore(client, key)

	if _, err := store.Get(ctx); err != ErrSettingsNotFound {
		t.Fatalf("expected ErrSettingsNotFound, got %v", err)
	}

	settings := NewSettings(store, zerolog.Nop())
	settings.SetDeepgramAPIKey("dg-redis")
	if err := settings.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := NewSettings(store, zerolog.Nop())
	reloaded.Load(ctx)
	if reloaded.DeepgramAPIKey() != "dg-redis" {
		t.Errorf("expected key restored from redis, got %q", reloaded.DeepgramAPIKey())
	}
}
