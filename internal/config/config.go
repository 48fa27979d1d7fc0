package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

// Task identifies a language-model use site. Model parameters are resolved per task.
type Task string

const (
	TaskClassification  Task = "classification"
	TaskSQLGeneration   Task = "sql_generation"
	TaskDataAnalysis    Task = "data_analysis"
	TaskGuideGeneration Task = "guide_generation"
	TaskOutOfScope      Task = "out_of_scope"
)

// Tasks lists every task in a stable order.
var Tasks = []Task{TaskClassification, TaskSQLGeneration, TaskDataAnalysis, TaskGuideGeneration, TaskOutOfScope}

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	ObjectStore   ObjectStoreConfig
	Warehouse     WarehouseConfig
	LLM           LLMConfig
	Pipeline      PipelineConfig
	Metadata      MetadataConfig
	Prompts       PromptsConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ObjectStoreConfig struct {
	Backend          string
	Root             string
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type WarehouseConfig struct {
	Driver          string
	DSN             string
	TableID         string
	ParquetTables   string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type TaskConfig struct {
	Model               string
	MaxTokens           int
	Temperature         float64
	Timeout             time.Duration
	ConfidenceThreshold float64
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	MaxRetries   int
	RetryBackoff time.Duration
	Tasks        map[Task]TaskConfig
}

// Task returns the configuration for task, falling back to sql_generation for unknown ids.
func (c LLMConfig) Task(task Task) TaskConfig {
	if cfg, ok := c.Tasks[task]; ok {
		return cfg
	}
	return c.Tasks[TaskSQLGeneration]
}

type PipelineConfig struct {
	MaxAttempts       int
	MaxContextTurns   int
	ContextSampleRows int
	ResultRowLimit    int
	ResultByteLimit   int64
	DryRunTimeout     time.Duration
	ExecutionTimeout  time.Duration
}

type MetadataConfig struct {
	ArtifactKey   string
	HistoryPrefix string
	// HistoryKeep bounds archived snapshots under HistoryPrefix; 0 keeps every copy.
	HistoryKeep      int
	StaleAfter       time.Duration
	RefreshInterval  time.Duration
	PublishInterval  time.Duration
	ExampleCount     int
	GenerationMethod string
	// RequiredForReady makes readiness fail while no fresh snapshot is cached.
	RequiredForReady bool
}

type PromptsConfig struct {
	Dir       string
	HotReload bool
}

type ObservabilityConfig struct {
	LogLevel     slog.Level
	LogJSON      bool
	OTLPEndpoint string
	OTLPInsecure bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKASK_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKASK_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "DUCKASK_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "DUCKASK_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_BACKEND", &cfg.ObjectStore.Backend) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_ROOT", &cfg.ObjectStore.Root) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error {
			return applyString(lookup, "DUCKASK_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID)
		},
		func() error {
			return applyString(lookup, "DUCKASK_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "DUCKASK_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "DUCKASK_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},

		func() error { return applyString(lookup, "DUCKASK_WAREHOUSE_DRIVER", &cfg.Warehouse.Driver) },
		func() error { return applyString(lookup, "DUCKASK_WAREHOUSE_DSN", &cfg.Warehouse.DSN) },
		func() error { return applyString(lookup, "DUCKASK_WAREHOUSE_TABLE", &cfg.Warehouse.TableID) },
		func() error {
			return applyString(lookup, "DUCKASK_WAREHOUSE_PARQUET_TABLES", &cfg.Warehouse.ParquetTables)
		},
		func() error { return applyInt(lookup, "DUCKASK_WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns) },
		func() error {
			return applyDuration(lookup, "DUCKASK_WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime)
		},

		func() error { return applyString(lookup, "DUCKASK_LLM_BASE_URL", &cfg.LLM.BaseURL) },
		func() error { return applyString(lookup, "DUCKASK_LLM_API_KEY", &cfg.LLM.APIKey) },
		func() error { return applyInt(lookup, "DUCKASK_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries) },
		func() error { return applyDuration(lookup, "DUCKASK_LLM_RETRY_BACKOFF", &cfg.LLM.RetryBackoff) },
		func() error { return applyTaskOverrides(lookup, cfg.LLM.Tasks) },

		func() error { return applyInt(lookup, "DUCKASK_PIPELINE_MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts) },
		func() error {
			return applyInt(lookup, "DUCKASK_PIPELINE_MAX_CONTEXT_TURNS", &cfg.Pipeline.MaxContextTurns)
		},
		func() error {
			return applyInt(lookup, "DUCKASK_PIPELINE_CONTEXT_SAMPLE_ROWS", &cfg.Pipeline.ContextSampleRows)
		},
		func() error {
			return applyInt(lookup, "DUCKASK_PIPELINE_RESULT_ROW_LIMIT", &cfg.Pipeline.ResultRowLimit)
		},
		func() error {
			return applyInt64(lookup, "DUCKASK_PIPELINE_RESULT_BYTE_LIMIT", &cfg.Pipeline.ResultByteLimit)
		},
		func() error {
			return applyDuration(lookup, "DUCKASK_PIPELINE_DRY_RUN_TIMEOUT", &cfg.Pipeline.DryRunTimeout)
		},
		func() error {
			return applyDuration(lookup, "DUCKASK_PIPELINE_EXECUTION_TIMEOUT", &cfg.Pipeline.ExecutionTimeout)
		},

		func() error { return applyString(lookup, "DUCKASK_METADATA_ARTIFACT_KEY", &cfg.Metadata.ArtifactKey) },
		func() error {
			return applyString(lookup, "DUCKASK_METADATA_HISTORY_PREFIX", &cfg.Metadata.HistoryPrefix)
		},
		func() error { return applyInt(lookup, "DUCKASK_METADATA_HISTORY_KEEP", &cfg.Metadata.HistoryKeep) },
		func() error { return applyDuration(lookup, "DUCKASK_METADATA_STALE_AFTER", &cfg.Metadata.StaleAfter) },
		func() error {
			return applyDuration(lookup, "DUCKASK_METADATA_REFRESH_INTERVAL", &cfg.Metadata.RefreshInterval)
		},
		func() error {
			return applyDuration(lookup, "DUCKASK_METADATA_PUBLISH_INTERVAL", &cfg.Metadata.PublishInterval)
		},
		func() error { return applyInt(lookup, "DUCKASK_METADATA_EXAMPLE_COUNT", &cfg.Metadata.ExampleCount) },
		func() error {
			return applyString(lookup, "DUCKASK_METADATA_GENERATION_METHOD", &cfg.Metadata.GenerationMethod)
		},
		func() error {
			return applyBool(lookup, "DUCKASK_METADATA_REQUIRED_FOR_READY", &cfg.Metadata.RequiredForReady)
		},

		func() error { return applyString(lookup, "DUCKASK_PROMPTS_DIR", &cfg.Prompts.Dir) },
		func() error { return applyBool(lookup, "DUCKASK_PROMPTS_HOT_RELOAD", &cfg.Prompts.HotReload) },

		func() error { return applyBool(lookup, "DUCKASK_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "DUCKASK_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyString(lookup, "DUCKASK_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint) },
		func() error { return applyBool(lookup, "DUCKASK_OTLP_INSECURE", &cfg.Observability.OTLPInsecure) },

		func() error { return applyBool(lookup, "DUCKASK_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "DUCKASK_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that the rest of the service relies on.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.ObjectStore.Backend {
	case "s3", "fs":
	default:
		return fmt.Errorf("invalid object store backend: %q", c.ObjectStore.Backend)
	}
	switch c.Warehouse.Driver {
	case "duckdb", "postgres":
	default:
		return fmt.Errorf("invalid warehouse driver: %q", c.Warehouse.Driver)
	}
	if strings.TrimSpace(c.Warehouse.TableID) == "" {
		return fmt.Errorf("warehouse table is required")
	}
	for _, task := range Tasks {
		taskCfg, ok := c.LLM.Tasks[task]
		if !ok {
			return fmt.Errorf("llm task %q is not configured", task)
		}
		if strings.TrimSpace(taskCfg.Model) == "" {
			return fmt.Errorf("llm task %q: model is required", task)
		}
		if taskCfg.MaxTokens <= 0 {
			return fmt.Errorf("llm task %q: max tokens must be > 0", task)
		}
		if !inUnitInterval(taskCfg.Temperature) {
			return fmt.Errorf("llm task %q: temperature must be within [0,1], got %v", task, taskCfg.Temperature)
		}
		if !inUnitInterval(taskCfg.ConfidenceThreshold) {
			return fmt.Errorf("llm task %q: confidence threshold must be within [0,1], got %v", task, taskCfg.ConfidenceThreshold)
		}
		if taskCfg.Timeout <= 0 {
			return fmt.Errorf("llm task %q: timeout must be > 0", task)
		}
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm max retries must be >= 0")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be >= 1")
	}
	if c.Pipeline.MaxContextTurns < 1 {
		return fmt.Errorf("pipeline max context turns must be >= 1")
	}
	if c.Pipeline.ContextSampleRows < 1 {
		return fmt.Errorf("pipeline context sample rows must be >= 1")
	}
	if c.Pipeline.ResultRowLimit <= 0 {
		return fmt.Errorf("pipeline result row limit must be > 0")
	}
	if c.Metadata.ExampleCount < 1 || c.Metadata.ExampleCount > 20 {
		return fmt.Errorf("metadata example count must be within [1,20], got %d", c.Metadata.ExampleCount)
	}
	if c.Metadata.HistoryKeep < 0 {
		return fmt.Errorf("metadata history keep must be >= 0")
	}
	if c.Metadata.StaleAfter <= 0 {
		return fmt.Errorf("metadata stale-after window must be > 0")
	}
	if strings.TrimSpace(c.Metadata.ArtifactKey) == "" {
		return fmt.Errorf("metadata artifact key is required")
	}
	return nil
}

// inUnitInterval rejects NaN as well as values outside [0,1].
func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckask-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Backend:          "s3",
			Root:             "./data",
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "duckask",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Warehouse: WarehouseConfig{
			Driver:          "duckdb",
			DSN:             "",
			TableID:         "events",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:      "https://api.openai.com",
			MaxRetries:   2,
			RetryBackoff: 500 * time.Millisecond,
			Tasks: map[Task]TaskConfig{
				TaskClassification: {
					Model:               "gpt-4.1-mini",
					MaxTokens:           256,
					Temperature:         0,
					Timeout:             10 * time.Second,
					ConfidenceThreshold: 0.3,
				},
				TaskSQLGeneration: {
					Model:       "gpt-4.1",
					MaxTokens:   1024,
					Temperature: 0.1,
					Timeout:     30 * time.Second,
				},
				TaskDataAnalysis: {
					Model:       "gpt-4.1",
					MaxTokens:   2048,
					Temperature: 0.3,
					Timeout:     45 * time.Second,
				},
				TaskGuideGeneration: {
					Model:       "gpt-4.1-mini",
					MaxTokens:   1024,
					Temperature: 0.5,
					Timeout:     30 * time.Second,
				},
				TaskOutOfScope: {
					Model:       "gpt-4.1-mini",
					MaxTokens:   256,
					Temperature: 0.5,
					Timeout:     15 * time.Second,
				},
			},
		},
		Pipeline: PipelineConfig{
			MaxAttempts:       2,
			MaxContextTurns:   5,
			ContextSampleRows: 3,
			ResultRowLimit:    200,
			ResultByteLimit:   1 << 20,
			DryRunTimeout:     10 * time.Second,
			ExecutionTimeout:  60 * time.Second,
		},
		Metadata: MetadataConfig{
			ArtifactKey:      "metadata/latest.json",
			HistoryPrefix:    "metadata/history",
			HistoryKeep:      30,
			StaleAfter:       24 * time.Hour,
			RefreshInterval:  5 * time.Minute,
			PublishInterval:  24 * time.Hour,
			ExampleCount:     8,
			GenerationMethod: "llm_synthesized",
		},
		Prompts: PromptsConfig{
			Dir:       "",
			HotReload: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
		cfg.ObjectStore.Backend = "fs"
		cfg.LLM.MaxRetries = 0
		cfg.Prompts.HotReload = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
		cfg.LLM.MaxRetries = 3
		cfg.Prompts.HotReload = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyTaskOverrides(lookup LookupFunc, tasks map[Task]TaskConfig) error {
	for _, task := range Tasks {
		taskCfg := tasks[task]
		prefix := "DUCKASK_LLM_" + strings.ToUpper(string(task)) + "_"
		if err := applyString(lookup, prefix+"MODEL", &taskCfg.Model); err != nil {
			return err
		}
		if err := applyInt(lookup, prefix+"MAX_TOKENS", &taskCfg.MaxTokens); err != nil {
			return err
		}
		if err := applyFloat(lookup, prefix+"TEMPERATURE", &taskCfg.Temperature); err != nil {
			return err
		}
		if err := applyDuration(lookup, prefix+"TIMEOUT", &taskCfg.Timeout); err != nil {
			return err
		}
		if err := applyFloat(lookup, prefix+"CONFIDENCE_THRESHOLD", &taskCfg.ConfidenceThreshold); err != nil {
			return err
		}
		tasks[task] = taskCfg
	}
	return nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
