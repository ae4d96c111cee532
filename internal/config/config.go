package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFile is read from the working directory for secrets the environment
// does not set.
const EnvFile = ".env"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Notion        NotionConfig        `yaml:"notion"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig is the AudioSocket listener Asterisk connects to.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type TranscriptionConfig struct {
	Provider         string `yaml:"provider"` // "deepgram", "assemblyai" or "vosk"
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	AssemblyAIAPIKey string `yaml:"assemblyai_api_key"`
	VoskServerURL    string `yaml:"vosk_server_url"`
	Model            string `yaml:"model"`
	Language         string `yaml:"language"`
	SampleRate       int    `yaml:"sample_rate"`
	// Input is "audiosocket" or the path of a WAV file to replay.
	Input           string `yaml:"input"`
	OutputDir       string `yaml:"output_dir"`
	SaveTranscripts bool   `yaml:"save_transcripts"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	SettingsKey string `yaml:"settings_key"`
}

// Enabled reports whether Redis backs settings and the auth channel.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type AuthConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Provider       string   `yaml:"provider"`
	CallbackPath   string   `yaml:"callback_path"`
	Channel        string   `yaml:"channel"`
	BrowserCommand string   `yaml:"browser_command"`
	BrowserArgs    []string `yaml:"browser_args"`
	// CallbackListen, when set, serves CallbackPath locally so the popup
	// redirect reaches an in-process login.
	CallbackListen string `yaml:"callback_listen"`
}

type NotionConfig struct {
	BaseURL      string `yaml:"base_url"`
	Version      string `yaml:"version"`
	Token        string `yaml:"token"`
	ParentPageID string `yaml:"parent_page_id"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	SessionDir string `yaml:"session_dir"`
}

// Default returns the configuration used for any value the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 9092},
		Transcription: TranscriptionConfig{
			Provider:        "deepgram",
			VoskServerURL:   "ws://localhost:2700",
			Model:           "nova-3",
			Language:        "en",
			SampleRate:      8000,
			Input:           "audiosocket",
			OutputDir:       "transcripts",
			SaveTranscripts: true,
		},
		Redis: RedisConfig{SettingsKey: SettingsKey},
		Auth: AuthConfig{
			BaseURL:      "http://localhost:8080",
			Provider:     "notion",
			CallbackPath: "/u/auth-callback",
			Channel:      "auth_channel",
		},
		Notion: NotionConfig{
			BaseURL: "http://localhost:8080/api/notion",
			Version: "2022-06-28",
		},
		Log: LogConfig{Level: "info", SessionDir: "logs"},
	}
}

// Load reads the YAML file at filename over the defaults and applies
// environment overrides for secrets. An empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	config := Default()

	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		// an empty file decodes to io.EOF and keeps the defaults
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	}

	dotenv, err := godotenv.Read(EnvFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", EnvFile, err)
	}
	config.applyEnv(dotenv)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides secrets from the process environment, then from the
// .env values. The .env values are never exported to the process.
func (c *Config) applyEnv(dotenv map[string]string) {
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if v := lookup("DEEPGRAM_API_KEY"); v != "" {
		c.Transcription.DeepgramAPIKey = v
	}
	if v := lookup("ASSEMBLYAI_API_KEY"); v != "" {
		c.Transcription.AssemblyAIAPIKey = v
	}
	if v := lookup("NOTION_TOKEN"); v != "" {
		c.Notion.Token = v
	}
}

func (c *Config) Validate() error {
	switch c.Transcription.Provider {
	case "deepgram", "assemblyai", "vosk":
	default:
		return fmt.Errorf("unknown transcription provider: %s", c.Transcription.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Transcription.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.Transcription.SampleRate)
	}
	return nil
}
