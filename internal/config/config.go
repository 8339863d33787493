package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces" toml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	Node        NodeConfig       `yaml:"node" toml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	TTS         TTSConfig        `yaml:"tts" toml:"tts"`
	AITalk      AITalkConfig     `yaml:"aitalk" toml:"aitalk"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id" toml:"id"`
	Role              string `yaml:"role" toml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

type TTSConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	Mode             string `yaml:"mode" toml:"mode"` // mock, aitalk
	ChunkDurationMS  int    `yaml:"chunk_duration_ms" toml:"chunk_duration_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
	PublishEvents    bool   `yaml:"publish_events" toml:"publish_events"`
}

type DictionaryConfig struct {
	Word   string `yaml:"word" toml:"word"`
	Phrase string `yaml:"phrase" toml:"phrase"`
	Symbol string `yaml:"symbol" toml:"symbol"`
}

func (d DictionaryConfig) Paths() []string {
	var out []string
	for _, p := range []string{d.Word, d.Phrase, d.Symbol} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type AITalkConfig struct {
	InstallDir        string           `yaml:"install_dir" toml:"install_dir"`
	DLL               string           `yaml:"dll" toml:"dll"`
	VoiceDir          string           `yaml:"voice_dir" toml:"voice_dir"`
	LicensePath       string           `yaml:"license_path" toml:"license_path"`
	AuthSeed          string           `yaml:"auth_seed" toml:"auth_seed"`
	Language          string           `yaml:"language" toml:"language"`
	Voice             string           `yaml:"voice" toml:"voice"`
	VoiceDBHz         int              `yaml:"voice_db_hz" toml:"voice_db_hz"`
	EngineTimeoutMS   int              `yaml:"engine_timeout_ms" toml:"engine_timeout_ms"`
	JobTimeoutMS      int              `yaml:"job_timeout_ms" toml:"job_timeout_ms"`
	ExtendFormat      int              `yaml:"extend_format" toml:"extend_format"`
	Dictionaries      DictionaryConfig `yaml:"dictionaries" toml:"dictionaries"`
	WatchDictionaries bool             `yaml:"watch_dictionaries" toml:"watch_dictionaries"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-aitalk",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			StdoutTraces:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-aitalk-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-aitalk.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Enabled:          true,
			Mode:             "mock",
			ChunkDurationMS:  400,
			RequestTimeoutMS: 45000,
			PublishEvents:    true,
		},
		AITalk: AITalkConfig{
			DLL:             "aitalked.dll",
			VoiceDir:        "Voice",
			LicensePath:     "aitalk.lic",
			Language:        `Lang\standard`,
			VoiceDBHz:       44100,
			EngineTimeoutMS: 1000,
			JobTimeoutMS:    30000,
			ExtendFormat:    1 | 16,
		},
	}
}

// Load reads path (YAML, or TOML when it ends in .toml) over the defaults and
// applies LOQA_* environment overrides.
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
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = toml.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := expandPaths(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.TTS.PublishEvents, "LOQA_TTS_PUBLISH_EVENTS")
	overrideString(&cfg.AITalk.InstallDir, "LOQA_AITALK_INSTALL_DIR")
	overrideString(&cfg.AITalk.DLL, "LOQA_AITALK_DLL")
	overrideString(&cfg.AITalk.VoiceDir, "LOQA_AITALK_VOICE_DIR")
	overrideString(&cfg.AITalk.LicensePath, "LOQA_AITALK_LICENSE_PATH")
	overrideString(&cfg.AITalk.AuthSeed, "LOQA_AITALK_AUTH_SEED")
	overrideString(&cfg.AITalk.Language, "LOQA_AITALK_LANGUAGE")
	overrideString(&cfg.AITalk.Voice, "LOQA_AITALK_VOICE")
	overrideInt(&cfg.AITalk.VoiceDBHz, "LOQA_AITALK_VOICE_DB_HZ")
	overrideInt(&cfg.AITalk.EngineTimeoutMS, "LOQA_AITALK_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.AITalk.JobTimeoutMS, "LOQA_AITALK_JOB_TIMEOUT_MS")
	overrideInt(&cfg.AITalk.ExtendFormat, "LOQA_AITALK_EXTEND_FORMAT")
	overrideString(&cfg.AITalk.Dictionaries.Word, "LOQA_AITALK_DICT_WORD")
	overrideString(&cfg.AITalk.Dictionaries.Phrase, "LOQA_AITALK_DICT_PHRASE")
	overrideString(&cfg.AITalk.Dictionaries.Symbol, "LOQA_AITALK_DICT_SYMBOL")
	overrideBool(&cfg.AITalk.WatchDictionaries, "LOQA_AITALK_WATCH_DICTIONARIES")
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

// expandPaths resolves a leading ~ in every filesystem path.
func expandPaths(cfg *Config) error {
	for _, p := range []*string{
		&cfg.Bus.StoreDir,
		&cfg.EventStore.Path,
		&cfg.AITalk.InstallDir,
		&cfg.AITalk.Dictionaries.Word,
		&cfg.AITalk.Dictionaries.Phrase,
		&cfg.AITalk.Dictionaries.Symbol,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "aitalk":
		default:
			return errors.New("tts.mode must be one of mock|aitalk")
		}
		if cfg.TTS.ChunkDurationMS <= 0 {
			return errors.New("tts.chunk_duration_ms must be positive")
		}
		if cfg.TTS.RequestTimeoutMS <= 0 {
			return errors.New("tts.request_timeout_ms must be positive")
		}
		if cfg.TTS.Mode == "aitalk" {
			if cfg.AITalk.InstallDir == "" {
				return errors.New("aitalk.install_dir must be set when tts.mode=aitalk")
			}
			if cfg.AITalk.DLL == "" {
				return errors.New("aitalk.dll must be set when tts.mode=aitalk")
			}
		}
	}
	if cfg.AITalk.VoiceDBHz <= 0 {
		return errors.New("aitalk.voice_db_hz must be positive")
	}
	if cfg.AITalk.EngineTimeoutMS <= 0 {
		return errors.New("aitalk.engine_timeout_ms must be positive")
	}
	if cfg.AITalk.JobTimeoutMS <= 0 {
		return errors.New("aitalk.job_timeout_ms must be positive")
	}
	if cfg.AITalk.WatchDictionaries && len(cfg.AITalk.Dictionaries.Paths()) == 0 {
		return errors.New("aitalk.watch_dictionaries requires at least one dictionary path")
	}
	return nil
}
