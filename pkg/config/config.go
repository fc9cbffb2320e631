package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const mebibyte = 1024 * 1024

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Media     MediaConfig
	Pipeline  PipelineConfig
	Queue     QueueConfig
	SMS       SMSConfig
	Tracing   TracingConfig
	Admission AdmissionConfig
	CORS      CORSConfig
}

type DatabaseConfig struct {
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the object store holding uploaded lecture media.
type StorageConfig struct {
	Driver          string
	LocalDir        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string
	Region          string
}

// LLMConfig carries provider credentials and per-feature model overrides.
type LLMConfig struct {
	Provider             string
	GeminiAPIKey         string
	GeminiBaseURL        string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	ModelName            string
	TranscriptionModel   string
	StructureModel       string
	PrerequisitesModel   string
	PrereqTeachingModel  string
	RecapModel           string
	QuizModel            string
	GradingModel         string
	FinalExamModel       string
	HintModel            string
	CallTimeout          time.Duration
	TranscriptionTimeout time.Duration
}

// MediaConfig bounds uploads and the ffmpeg toolchain.
type MediaConfig struct {
	FFmpegPath        string
	FFprobePath       string
	MaxDuration       time.Duration
	MaxPartBytes      int64
	MaxUploadBytes    int64
	ProcessTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// PipelineConfig tunes the inline retry loop and the stale sweeper.
type PipelineConfig struct {
	InlineAttempts int
	InlineBackoff  time.Duration
	InlineMaxDelay time.Duration
	StaleTimeout   time.Duration
	SweepInterval  time.Duration
}

// QueueConfig configures the durable job lanes.
type QueueConfig struct {
	Prefix            string
	MaxAttempts       int
	RetryDelay        time.Duration
	VisibilityTimeout time.Duration
	PipelineWorkers   int
	DefaultWorkers    int
	PollInterval      time.Duration
}

// SMSConfig points at the SMS vendor.
type SMSConfig struct {
	APIKey     string
	BaseURL    string
	LineNumber string
}

// TracingConfig toggles the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// CORSConfig lists browser origins allowed to call the API; empty or "*" allows all.
type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         time.Duration
}

// AdmissionConfig caps concurrent transitional sessions per teacher.
type AdmissionConfig struct {
	MaxActive int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		URL:          v.GetString("DATABASE_URL"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	redisURL := v.GetString("REDIS_URL")
	if redisURL == "" {
		redisURL = v.GetString("CELERY_BROKER_URL")
	}
	cfg.Redis = RedisConfig{
		URL:      redisURL,
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Storage = StorageConfig{
		Driver:          strings.ToLower(v.GetString("STORAGE_DRIVER")),
		LocalDir:        v.GetString("STORAGE_LOCAL_DIR"),
		Bucket:          v.GetString("AWS_STORAGE_BUCKET_NAME"),
		AccessKeyID:     v.GetString("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
		EndpointURL:     v.GetString("AWS_S3_ENDPOINT_URL"),
		Region:          v.GetString("AWS_S3_REGION_NAME"),
	}

	cfg.LLM = LLMConfig{
		Provider:             strings.ToLower(v.GetString("LLM_PROVIDER")),
		GeminiAPIKey:         v.GetString("GEMINI_API_KEY"),
		GeminiBaseURL:        v.GetString("GEMINI_BASE_URL"),
		OpenAIAPIKey:         v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:        v.GetString("OPENAI_BASE_URL"),
		ModelName:            v.GetString("MODEL_NAME"),
		TranscriptionModel:   v.GetString("TRANSCRIPTION_MODEL"),
		StructureModel:       v.GetString("STRUCTURE_MODEL"),
		PrerequisitesModel:   v.GetString("PREREQUISITES_MODEL"),
		PrereqTeachingModel:  v.GetString("PREREQ_TEACHING_MODEL"),
		RecapModel:           v.GetString("RECAP_MODEL"),
		QuizModel:            v.GetString("QUIZ_MODEL"),
		GradingModel:         v.GetString("GRADING_MODEL"),
		FinalExamModel:       v.GetString("FINAL_EXAM_MODEL"),
		HintModel:            v.GetString("HINT_MODEL"),
		CallTimeout:          parseDuration(v.GetString("LLM_CALL_TIMEOUT"), 3*time.Minute),
		TranscriptionTimeout: parseDuration(v.GetString("LLM_TRANSCRIPTION_TIMEOUT"), 2*time.Hour),
	}

	ffmpeg := v.GetString("FFMPEG_PATH")
	ffprobe := v.GetString("FFPROBE_PATH")
	if ffprobe == "" {
		ffprobe = siblingBinary(ffmpeg, "ffprobe")
	}
	maxDurationSeconds := v.GetInt64("MAX_VIDEO_DURATION_SECONDS")
	if maxDurationSeconds <= 0 {
		maxDurationSeconds = 7200
	}
	partMB := v.GetInt64("TRANSCRIPTION_MAX_UPLOAD_MB")
	if partMB <= 0 {
		partMB = 16
	}
	uploadMB := v.GetInt64("SESSION_MAX_UPLOAD_MB")
	if uploadMB <= 0 {
		uploadMB = 500
	}
	cfg.Media = MediaConfig{
		FFmpegPath:        ffmpeg,
		FFprobePath:       ffprobe,
		MaxDuration:       time.Duration(maxDurationSeconds) * time.Second,
		MaxPartBytes:      partMB * mebibyte,
		MaxUploadBytes:    uploadMB * mebibyte,
		ProcessTimeout:    parseDuration(v.GetString("MEDIA_PROCESS_TIMEOUT"), time.Hour),
		HeartbeatInterval: parseDuration(v.GetString("MEDIA_HEARTBEAT_INTERVAL"), 30*time.Second),
	}

	cfg.Pipeline = PipelineConfig{
		InlineAttempts: v.GetInt("PIPELINE_INLINE_ATTEMPTS"),
		InlineBackoff:  parseDuration(v.GetString("PIPELINE_INLINE_BACKOFF"), 30*time.Second),
		InlineMaxDelay: parseDuration(v.GetString("PIPELINE_INLINE_MAX_DELAY"), 5*time.Minute),
		StaleTimeout:   parseDuration(v.GetString("STALE_TIMEOUT"), 2*time.Hour),
		SweepInterval:  parseDuration(v.GetString("SWEEP_INTERVAL"), 30*time.Minute),
	}

	cfg.Queue = QueueConfig{
		Prefix:            v.GetString("QUEUE_PREFIX"),
		MaxAttempts:       v.GetInt("QUEUE_MAX_ATTEMPTS"),
		RetryDelay:        parseDuration(v.GetString("QUEUE_RETRY_DELAY"), time.Minute),
		VisibilityTimeout: parseDuration(v.GetString("QUEUE_VISIBILITY_TIMEOUT"), 3*time.Hour),
		PipelineWorkers:   v.GetInt("WORKER_CONCURRENCY_PIPELINE"),
		DefaultWorkers:    v.GetInt("WORKER_CONCURRENCY_DEFAULT"),
		PollInterval:      parseDuration(v.GetString("QUEUE_POLL_INTERVAL"), time.Second),
	}

	cfg.SMS = SMSConfig{
		APIKey:     v.GetString("SMS_API_KEY"),
		BaseURL:    v.GetString("SMS_BASE_URL"),
		LineNumber: v.GetString("SMS_LINE_NUMBER"),
	}

	cfg.Tracing = TracingConfig{
		Enabled:     v.GetBool("TRACING_ENABLED"),
		ServiceName: v.GetString("TRACING_SERVICE_NAME"),
	}

	cfg.Admission = AdmissionConfig{MaxActive: v.GetInt("ADMISSION_MAX_ACTIVE")}

	var origins []string
	for _, origin := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.CORS = CORSConfig{AllowedOrigins: origins, MaxAge: parseDuration(v.GetString("CORS_MAX_AGE"), 10*time.Minute)}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "class_pipeline")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CELERY_BROKER_URL", "")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "")

	v.SetDefault("STORAGE_DRIVER", "s3")
	v.SetDefault("STORAGE_LOCAL_DIR", "./media")
	v.SetDefault("AWS_STORAGE_BUCKET_NAME", "")
	v.SetDefault("AWS_ACCESS_KEY_ID", "")
	v.SetDefault("AWS_SECRET_ACCESS_KEY", "")
	v.SetDefault("AWS_S3_ENDPOINT_URL", "")
	v.SetDefault("AWS_S3_REGION_NAME", "us-east-1")

	v.SetDefault("LLM_PROVIDER", "gemini")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("GEMINI_BASE_URL", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("MODEL_NAME", "")
	v.SetDefault("LLM_CALL_TIMEOUT", "3m")
	v.SetDefault("LLM_TRANSCRIPTION_TIMEOUT", "2h")

	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("FFPROBE_PATH", "")
	v.SetDefault("MAX_VIDEO_DURATION_SECONDS", 7200)
	v.SetDefault("TRANSCRIPTION_MAX_UPLOAD_MB", 16)
	v.SetDefault("SESSION_MAX_UPLOAD_MB", 500)
	v.SetDefault("MEDIA_PROCESS_TIMEOUT", "1h")
	v.SetDefault("MEDIA_HEARTBEAT_INTERVAL", "30s")

	v.SetDefault("PIPELINE_INLINE_ATTEMPTS", 4)
	v.SetDefault("PIPELINE_INLINE_BACKOFF", "30s")
	v.SetDefault("PIPELINE_INLINE_MAX_DELAY", "5m")
	v.SetDefault("STALE_TIMEOUT", "2h")
	v.SetDefault("SWEEP_INTERVAL", "30m")

	v.SetDefault("QUEUE_PREFIX", "classpipe")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_RETRY_DELAY", "60s")
	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT", "3h")
	v.SetDefault("QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("WORKER_CONCURRENCY_PIPELINE", 2)
	v.SetDefault("WORKER_CONCURRENCY_DEFAULT", 4)

	v.SetDefault("SMS_API_KEY", "")
	v.SetDefault("SMS_BASE_URL", "")
	v.SetDefault("SMS_LINE_NUMBER", "")

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_SERVICE_NAME", "class-pipeline")

	v.SetDefault("ADMISSION_MAX_ACTIVE", 5)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

// siblingBinary resolves ffprobe next to a configured ffmpeg path.
func siblingBinary(ffmpegPath, name string) string {
	if ffmpegPath == "" || !strings.ContainsRune(ffmpegPath, '/') {
		return name
	}
	idx := strings.LastIndex(ffmpegPath, "/")
	return ffmpegPath[:idx+1] + name
}

func isMissingFile(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file or directory")
}
