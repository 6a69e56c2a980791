package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned when no completion credential could be resolved.
var ErrMissingAPIKey = errors.New("no API key configured: set GOOGLE_API_KEY or GEMINI_API_KEY, or enter your API key in credentials.api_key")

const DefaultSystemInstruction = "You are a friendly, conversational AI voice assistant. " +
	"Keep answers concise, clear, and easy to understand."

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces" toml:"stdout_traces"`
	PrometheusPath string `yaml:"prometheus_path" toml:"prometheus_path"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind" toml:"bind"`
	Port          int    `yaml:"port" toml:"port"`
	MaxUploadMB   int    `yaml:"max_upload_mb" toml:"max_upload_mb"`
	TurnTimeoutMS int    `yaml:"turn_timeout_ms" toml:"turn_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Credentials CredentialConfig `yaml:"credentials" toml:"credentials"`
	Session     SessionConfig    `yaml:"session" toml:"session"`
	STT         STTConfig        `yaml:"stt" toml:"stt"`
	LLM         LLMConfig        `yaml:"llm" toml:"llm"`
	TTS         TTSConfig        `yaml:"tts" toml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix" toml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// CredentialConfig holds the single secret used for every Google endpoint.
type CredentialConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
}

type SessionConfig struct {
	IdleTimeoutMS int `yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	MaxSessions   int `yaml:"max_sessions" toml:"max_sessions"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode" toml:"mode"` // google, exec, mock
	Endpoint         string  `yaml:"endpoint" toml:"endpoint"`
	Command          string  `yaml:"command" toml:"command"`
	ModelPath        string  `yaml:"model_path" toml:"model_path"`
	Language         string  `yaml:"language" toml:"language"`
	SampleRate       int     `yaml:"sample_rate" toml:"sample_rate"`
	SilenceThreshold float64 `yaml:"silence_threshold" toml:"silence_threshold"`
	TimeoutMS        int     `yaml:"timeout_ms" toml:"timeout_ms"`
	TempDir          string  `yaml:"temp_dir" toml:"temp_dir"`
}

type LLMConfig struct {
	Mode              string  `yaml:"mode" toml:"mode"` // gemini, openai, mock
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	OpenAIBaseURL     string  `yaml:"openai_base_url" toml:"openai_base_url"`
	Model             string  `yaml:"model" toml:"model"`
	SystemInstruction string  `yaml:"system_instruction" toml:"system_instruction"`
	MaxRetries        int     `yaml:"max_retries" toml:"max_retries"`
	BackoffBaseMS     int     `yaml:"backoff_base_ms" toml:"backoff_base_ms"`
	TimeoutMS         int     `yaml:"timeout_ms" toml:"timeout_ms"`
	MaxTokens         int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature       float64 `yaml:"temperature" toml:"temperature"`
}

type TTSConfig struct {
	Enabled    bool    `yaml:"enabled" toml:"enabled"`
	Mode       string  `yaml:"mode" toml:"mode"`     // google, exec, mock
	Output     string  `yaml:"output" toml:"output"` // file, speaker
	Command    string  `yaml:"command" toml:"command"`
	Language   string  `yaml:"language" toml:"language"`
	Voice      string  `yaml:"voice" toml:"voice"`
	Speed      float64 `yaml:"speed" toml:"speed"`
	SampleRate int     `yaml:"sample_rate" toml:"sample_rate"`
	Channels   int     `yaml:"channels" toml:"channels"`
	AudioDir   string  `yaml:"audio_dir" toml:"audio_dir"`
	TimeoutMS  int     `yaml:"timeout_ms" toml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicechat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          8080,
			MaxUploadMB:   25,
			TurnTimeoutMS: 300000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusPath: "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "voicechat",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicechat-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 1,
			MaxSessions:   1000,
		},
		Session: SessionConfig{
			IdleTimeoutMS: 30 * 60 * 1000,
			MaxSessions:   256,
		},
		STT: STTConfig{
			Mode:             "google",
			Endpoint:         "https://speech.googleapis.com/",
			Language:         "en-US",
			SampleRate:       16000,
			SilenceThreshold: 0.01,
			TimeoutMS:        30000,
		},
		LLM: LLMConfig{
			Mode:              "gemini",
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta/models",
			OpenAIBaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:             "gemini-flash-latest",
			SystemInstruction: DefaultSystemInstruction,
			MaxRetries:        3,
			BackoffBaseMS:     1000,
			TimeoutMS:         60000,
			MaxTokens:         1024,
			Temperature:       0.7,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "google",
			Output:     "file",
			Language:   "en",
			Speed:      1.0,
			SampleRate: 22050,
			Channels:   1,
			AudioDir:   "./data/audio",
			TimeoutMS:  45000,
		},
	}
}

// Load reads the optional configuration file, applies environment overrides,
// resolves the API key and validates the result. A missing API key is reported
// as ErrMissingAPIKey so callers can halt before any pipeline is built.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	resolveAPIKey(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// resolveAPIKey prefers GOOGLE_API_KEY, then GEMINI_API_KEY, then the file value.
func resolveAPIKey(cfg *Config) {
	for _, key := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			cfg.Credentials.APIKey = value
			return
		}
	}
	cfg.Credentials.APIKey = strings.TrimSpace(cfg.Credentials.APIKey)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICECHAT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICECHAT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICECHAT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICECHAT_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "VOICECHAT_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.TurnTimeoutMS, "VOICECHAT_HTTP_TURN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICECHAT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICECHAT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICECHAT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOICECHAT_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VOICECHAT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICECHAT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICECHAT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICECHAT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICECHAT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICECHAT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICECHAT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICECHAT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICECHAT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "VOICECHAT_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "VOICECHAT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICECHAT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICECHAT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICECHAT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICECHAT_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.IdleTimeoutMS, "VOICECHAT_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxSessions, "VOICECHAT_SESSION_MAX_SESSIONS")
	overrideString(&cfg.STT.Mode, "VOICECHAT_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "VOICECHAT_STT_ENDPOINT")
	overrideString(&cfg.STT.Command, "VOICECHAT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICECHAT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICECHAT_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOICECHAT_STT_SAMPLE_RATE")
	overrideFloat(&cfg.STT.SilenceThreshold, "VOICECHAT_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.TimeoutMS, "VOICECHAT_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.TempDir, "VOICECHAT_STT_TEMP_DIR")
	overrideString(&cfg.LLM.Mode, "VOICECHAT_LLM_MODE")
	overrideString(&cfg.LLM.BaseURL, "VOICECHAT_LLM_BASE_URL")
	overrideString(&cfg.LLM.OpenAIBaseURL, "VOICECHAT_LLM_OPENAI_BASE_URL")
	overrideString(&cfg.LLM.Model, "VOICECHAT_LLM_MODEL")
	overrideString(&cfg.LLM.SystemInstruction, "VOICECHAT_LLM_SYSTEM_INSTRUCTION")
	overrideInt(&cfg.LLM.MaxRetries, "VOICECHAT_LLM_MAX_RETRIES")
	overrideInt(&cfg.LLM.BackoffBaseMS, "VOICECHAT_LLM_BACKOFF_BASE_MS")
	overrideInt(&cfg.LLM.TimeoutMS, "VOICECHAT_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxTokens, "VOICECHAT_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICECHAT_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "VOICECHAT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VOICECHAT_TTS_MODE")
	overrideString(&cfg.TTS.Output, "VOICECHAT_TTS_OUTPUT")
	overrideString(&cfg.TTS.Command, "VOICECHAT_TTS_COMMAND")
	overrideString(&cfg.TTS.Language, "VOICECHAT_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Voice, "VOICECHAT_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "VOICECHAT_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "VOICECHAT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICECHAT_TTS_CHANNELS")
	overrideString(&cfg.TTS.AudioDir, "VOICECHAT_TTS_AUDIO_DIR")
	overrideInt(&cfg.TTS.TimeoutMS, "VOICECHAT_TTS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Session.MaxSessions <= 0 {
		return errors.New("session.max_sessions must be >= 1")
	}
	switch cfg.STT.Mode {
	case "google", "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of google|exec|mock")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.SilenceThreshold < 0 || cfg.STT.SilenceThreshold >= 1 {
		return errors.New("stt.silence_threshold must be in [0, 1)")
	}
	switch cfg.LLM.Mode {
	case "gemini":
		if cfg.LLM.BaseURL == "" {
			return errors.New("llm.base_url must be set when mode=gemini")
		}
	case "openai":
		if cfg.LLM.OpenAIBaseURL == "" {
			return errors.New("llm.openai_base_url must be set when mode=openai")
		}
	case "mock":
	default:
		return errors.New("llm.mode must be one of gemini|openai|mock")
	}
	if cfg.LLM.Model == "" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.LLM.MaxRetries <= 0 {
		return errors.New("llm.max_retries must be >= 1")
	}
	if cfg.LLM.BackoffBaseMS < 0 {
		return errors.New("llm.backoff_base_ms must be >= 0")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "google", "mock":
		case "exec":
			if cfg.TTS.Command == "" {
				return errors.New("tts.command must be set when mode=exec")
			}
			if cfg.TTS.SampleRate <= 0 {
				return errors.New("tts.sample_rate must be positive")
			}
			if cfg.TTS.Channels <= 0 {
				return errors.New("tts.channels must be positive")
			}
		default:
			return errors.New("tts.mode must be one of google|exec|mock")
		}
		switch cfg.TTS.Output {
		case "file":
			if cfg.TTS.AudioDir == "" {
				return errors.New("tts.audio_dir must be set when output=file")
			}
		case "speaker":
		default:
			return errors.New("tts.output must be one of file|speaker")
		}
	}
	if cfg.LLM.Mode != "mock" && cfg.Credentials.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}
