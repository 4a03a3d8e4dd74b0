package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arbiter/internal/common/storage"
	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/spec"
	"arbiter/pkg/utils/logger"
)

// Duration parses YAML durations written as strings ("2s", "6h") or
// plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AppConfig is the judged node configuration loaded from YAML.
type AppConfig struct {
	Server  ServerConfig        `yaml:"server"`
	Log     LogSection          `yaml:"log"`
	MySQL   MySQLSection        `yaml:"mysql"`
	Redis   RedisSection        `yaml:"redis"`
	Kafka   KafkaSection        `yaml:"kafka"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Judge   JudgeSection        `yaml:"judge"`
	Sandbox SandboxSection      `yaml:"sandbox"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogSection struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	ErrorPath  string `yaml:"errorPath"`
}

// LoggerConfig converts the log section for the logger package.
func (s LogSection) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      s.Level,
		Format:     s.Format,
		OutputPath: s.OutputPath,
		ErrorPath:  s.ErrorPath,
	}
}

type MySQLSection struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"maxOpenConns"`
	MaxIdleConns    int      `yaml:"maxIdleConns"`
	ConnMaxLifetime Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime Duration `yaml:"connMaxIdleTime"`
}

type RedisSection struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaSection struct {
	Brokers     []string `yaml:"brokers"`
	ClientID    string   `yaml:"clientId"`
	ResultTopic string   `yaml:"resultTopic"`
}

type JudgeSection struct {
	Topic           string   `yaml:"topic"`
	PriorityTopic   string   `yaml:"priorityTopic"`
	PriorityWeight  int      `yaml:"priorityWeight"`
	DeadLetterTopic string   `yaml:"deadLetterTopic"`
	ConsumerGroup   string   `yaml:"consumerGroup"`
	Concurrency     int      `yaml:"concurrency"`
	MaxRetries      int      `yaml:"maxRetries"`
	RetryDelay      Duration `yaml:"retryDelay"`
	SlotWaitTimeout Duration `yaml:"slotWaitTimeout"`
	WorkRoot        string   `yaml:"workRoot"`
	PackRoot        string   `yaml:"packRoot"`
	PackMaxEntries  int      `yaml:"packMaxEntries"`
	PackTTL         Duration `yaml:"packTTL"`
}

type SandboxSection struct {
	HelperPath       string            `yaml:"helperPath"`
	CgroupRoot       string            `yaml:"cgroupRoot"`
	SeccompDir       string            `yaml:"seccompDir"`
	EnableSeccomp    bool              `yaml:"enableSeccomp"`
	EnableCgroup     bool              `yaml:"enableCgroup"`
	EnableNamespaces bool              `yaml:"enableNamespaces"`
	Languages        []LanguageSection `yaml:"languages"`
	Profiles         []ProfileSection  `yaml:"profiles"`
}

type LanguageSection struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	SourceFile       string   `yaml:"sourceFile"`
	BinaryFile       string   `yaml:"binaryFile"`
	CompileEnabled   bool     `yaml:"compileEnabled"`
	CompileCmd       string   `yaml:"compileCmd"`
	RunCmd           string   `yaml:"runCmd"`
	Env              []string `yaml:"env"`
	TimeMultiplier   float64  `yaml:"timeMultiplier"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier"`
}

type ProfileSection struct {
	LanguageID     string       `yaml:"languageId"`
	TaskType       string       `yaml:"taskType"`
	RootFS         string       `yaml:"rootFs"`
	SeccompProfile string       `yaml:"seccompProfile"`
	Limits         LimitSection `yaml:"limits"`
}

type LimitSection struct {
	CPUTimeMs  int64 `yaml:"cpuTimeMs"`
	WallTimeMs int64 `yaml:"wallTimeMs"`
	MemoryMB   int64 `yaml:"memoryMb"`
	StackMB    int64 `yaml:"stackMb"`
	OutputMB   int64 `yaml:"outputMb"`
	PIDs       int64 `yaml:"pids"`
}

// LoadConfig reads and validates the YAML configuration.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaultAppConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{Addr: ":8080"},
		Log: LogSection{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
			ErrorPath:  "stderr",
		},
		Kafka: KafkaSection{
			ClientID:    "arbiter-judged",
			ResultTopic: "judge.results",
		},
		Judge: JudgeSection{
			Topic:           "judge.jobs",
			PriorityWeight:  3,
			DeadLetterTopic: "judge.jobs.dead",
			ConsumerGroup:   "arbiter-judge",
			Concurrency:     4,
			MaxRetries:      3,
			RetryDelay:      Duration(2 * time.Second),
			SlotWaitTimeout: Duration(15 * time.Second),
			WorkRoot:        "/var/lib/arbiter/work",
			PackRoot:        "/var/lib/arbiter/packs",
			PackMaxEntries:  64,
			PackTTL:         Duration(6 * time.Hour),
		},
		Sandbox: SandboxSection{
			HelperPath:       "/usr/local/bin/sandbox-init",
			CgroupRoot:       "/sys/fs/cgroup/arbiter",
			SeccompDir:       "/etc/arbiter/seccomp",
			EnableSeccomp:    true,
			EnableCgroup:     true,
			EnableNamespaces: true,
		},
	}
}

func (c *AppConfig) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("mysql.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.MinIO.Endpoint == "" {
		return fmt.Errorf("minio.endpoint is required")
	}
	if len(c.Sandbox.Languages) == 0 {
		return fmt.Errorf("sandbox.languages must not be empty")
	}
	for _, lang := range c.Sandbox.Languages {
		if lang.ID == "" || lang.SourceFile == "" || lang.RunCmd == "" {
			return fmt.Errorf("sandbox language %q is incomplete", lang.ID)
		}
		if lang.CompileEnabled && lang.CompileCmd == "" {
			return fmt.Errorf("sandbox language %q enables compile without a compile command", lang.ID)
		}
	}
	return nil
}

// LanguageSpecs converts the config sections into sandbox specs.
func (c *AppConfig) LanguageSpecs() []profile.LanguageSpec {
	specs := make([]profile.LanguageSpec, 0, len(c.Sandbox.Languages))
	for _, lang := range c.Sandbox.Languages {
		specs = append(specs, profile.LanguageSpec{
			ID:               lang.ID,
			Name:             lang.Name,
			Version:          lang.Version,
			SourceFile:       lang.SourceFile,
			BinaryFile:       lang.BinaryFile,
			CompileEnabled:   lang.CompileEnabled,
			CompileCmdTpl:    lang.CompileCmd,
			RunCmdTpl:        lang.RunCmd,
			Env:              lang.Env,
			TimeMultiplier:   lang.TimeMultiplier,
			MemoryMultiplier: lang.MemoryMultiplier,
		})
	}
	return specs
}

// TaskProfiles converts the config sections into sandbox task profiles.
func (c *AppConfig) TaskProfiles() []profile.TaskProfile {
	profiles := make([]profile.TaskProfile, 0, len(c.Sandbox.Profiles))
	for _, p := range c.Sandbox.Profiles {
		profiles = append(profiles, profile.TaskProfile{
			LanguageID:     p.LanguageID,
			TaskType:       profile.TaskType(p.TaskType),
			RootFS:         p.RootFS,
			SeccompProfile: p.SeccompProfile,
			DefaultLimits: spec.ResourceLimit{
				CPUTimeMs:  p.Limits.CPUTimeMs,
				WallTimeMs: p.Limits.WallTimeMs,
				MemoryMB:   p.Limits.MemoryMB,
				StackMB:    p.Limits.StackMB,
				OutputMB:   p.Limits.OutputMB,
				PIDs:       p.Limits.PIDs,
			},
		})
	}
	return profiles
}
