package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"aura-coach/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	SessionLog SessionLogConfig `json:"session_log"`
	Uplink     UplinkConfig     `json:"uplink"`
	Capture    CaptureConfig    `json:"capture"`
	Detectors  DetectorConfig   `json:"detectors"`
	Expression ExpressionConfig `json:"expression"`
	Speech     SpeechConfig     `json:"speech"`
	Messaging  MessagingConfig  `json:"messaging"`
	Session    SessionConfig    `json:"session"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HTTPConfig holds the local status server configuration
type HTTPConfig struct {
	Enabled       bool          `json:"enabled" env:"HTTP_ENABLED" default:"true"`
	Port          int           `json:"port" env:"HTTP_PORT" default:"8089"`
	EnableMetrics bool          `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`
	LiveInterval  time.Duration `json:"live_interval" env:"HTTP_LIVE_INTERVAL" default:"250ms"`
	ResultLinger  time.Duration `json:"result_linger" env:"HTTP_RESULT_LINGER" default:"30s"`
}

// SessionLogConfig describes how to reach the session log service
type SessionLogConfig struct {
	BaseURL        string        `json:"base_url" env:"SESSION_LOG_URL" default:"http://localhost:8000"`
	RequestTimeout time.Duration `json:"request_timeout" env:"SESSION_LOG_TIMEOUT" default:"15s"`
}

// UplinkConfig holds the audio uplink configuration
type UplinkConfig struct {
	Enabled    bool   `json:"enabled" env:"UPLINK_ENABLED" default:"true"`
	URL        string `json:"url" env:"UPLINK_URL"`
	ChunkSize  int    `json:"chunk_size" env:"UPLINK_CHUNK_SIZE" default:"2048"`
	SampleRate int    `json:"sample_rate" env:"UPLINK_SAMPLE_RATE" default:"16000"`
}

// CaptureConfig holds ffmpeg capture settings for camera and microphone
type CaptureConfig struct {
	FFmpegPath  string `json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	AudioFormat string `json:"audio_format" env:"CAPTURE_AUDIO_FORMAT"`
	AudioDevice string `json:"audio_device" env:"CAPTURE_AUDIO_DEVICE"`
	VideoFormat string `json:"video_format" env:"CAPTURE_VIDEO_FORMAT"`
	VideoDevice string `json:"video_device" env:"CAPTURE_VIDEO_DEVICE"`
	FrameRate   int    `json:"frame_rate" env:"CAPTURE_FRAME_RATE" default:"30"`
	Width       int    `json:"width" env:"CAPTURE_WIDTH" default:"640"`
	Height      int    `json:"height" env:"CAPTURE_HEIGHT" default:"480"`
}

// DetectorConfig points at the pose and expression inference services
type DetectorConfig struct {
	PoseURL          string        `json:"pose_url" env:"POSE_DETECTOR_URL" default:"http://localhost:8010"`
	ExpressionURL    string        `json:"expression_url" env:"EXPRESSION_DETECTOR_URL" default:"http://localhost:8011"`
	FailureThreshold int64         `json:"failure_threshold" env:"DETECTOR_FAILURE_THRESHOLD" default:"5"`
	Cooldown         time.Duration `json:"cooldown" env:"DETECTOR_COOLDOWN" default:"5s"`
}

// ExpressionConfig holds the expression sampler settings
type ExpressionConfig struct {
	Interval time.Duration `json:"interval" env:"EXPRESSION_INTERVAL" default:"1200ms"`
	Labels   []string      `json:"labels" env:"EXPRESSION_LABELS"`
}

// SpeechConfig holds speech recognition and linguistic tracking settings
type SpeechConfig struct {
	Provider       string   `json:"provider" env:"SPEECH_PROVIDER" default:"mock"`
	Language       string   `json:"language" env:"SPEECH_LANGUAGE" default:"en-US"`
	SampleRate     int      `json:"sample_rate" env:"SPEECH_SAMPLE_RATE" default:"16000"`
	FillerWords    []string `json:"filler_words" env:"SPEECH_FILLER_WORDS"`
	MinBatchTokens int      `json:"min_batch_tokens" env:"SPEECH_MIN_BATCH_TOKENS" default:"3"`
	MinBatchWPM    int      `json:"min_batch_wpm" env:"SPEECH_MIN_BATCH_WPM" default:"40"`

	Google GoogleSTTConfig `json:"google"`
	Amazon AmazonSTTConfig `json:"amazon"`
}

// GoogleSTTConfig holds Google Speech-to-Text credentials and options
type GoogleSTTConfig struct {
	CredentialsFile            string `json:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	APIKey                     string `json:"api_key" env:"GOOGLE_STT_API_KEY"`
	Model                      string `json:"model" env:"GOOGLE_STT_MODEL"`
	EnableAutomaticPunctuation bool   `json:"enable_automatic_punctuation" env:"GOOGLE_STT_AUTO_PUNCTUATION" default:"false"`
}

// AmazonSTTConfig holds Amazon Transcribe credentials and options
type AmazonSTTConfig struct {
	Region          string `json:"region" env:"AWS_REGION" default:"us-east-1"`
	AccessKeyID     string `json:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	VocabularyName  string `json:"vocabulary_name" env:"AMAZON_TRANSCRIBE_VOCABULARY"`
}

// MessagingConfig holds the optional AMQP result publishing configuration
type MessagingConfig struct {
	AMQPUrl      string `json:"amqp_url" env:"AMQP_URL"`
	QueueName    string `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"coaching.sessions"`
	ExchangeName string `json:"exchange_name" env:"AMQP_EXCHANGE_NAME"`
}

// SessionConfig holds session controller settings
type SessionConfig struct {
	MailboxSize int           `json:"mailbox_size" env:"SESSION_MAILBOX_SIZE" default:"256"`
	Duration    time.Duration `json:"duration" env:"SESSION_DURATION" default:"0"`
}

// DefaultFillerWords is the filler lexicon used when SPEECH_FILLER_WORDS is unset
var DefaultFillerWords = []string{"um", "uh", "like", "basically", "you know"}

// DefaultExpressionLabels is the classifier label set used when EXPRESSION_LABELS is unset
var DefaultExpressionLabels = []string{"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised"}

// Load loads the configuration from the environment and an optional .env file
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	loaders := []struct {
		name string
		load func() error
	}{
		{"logging", func() error { return loadLoggingConfig(logger, &config.Logging) }},
		{"HTTP", func() error { return loadHTTPConfig(logger, &config.HTTP) }},
		{"session log", func() error { return loadSessionLogConfig(logger, &config.SessionLog) }},
		{"uplink", func() error { return loadUplinkConfig(logger, &config.Uplink, config.SessionLog.BaseURL) }},
		{"capture", func() error { return loadCaptureConfig(logger, &config.Capture) }},
		{"detector", func() error { return loadDetectorConfig(logger, &config.Detectors) }},
		{"expression", func() error { return loadExpressionConfig(logger, &config.Expression) }},
		{"speech", func() error { return loadSpeechConfig(logger, &config.Speech) }},
		{"messaging", func() error { return loadMessagingConfig(logger, &config.Messaging) }},
		{"session", func() error { return loadSessionConfig(logger, &config.Session) }},
	}

	for _, l := range loaders {
		if err := l.load(); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to load %s configuration", l.name))
		}
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
	return nil
}

func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.Port = getEnvInt("HTTP_PORT", 8089)
	if config.Port < 1 || config.Port > 65535 {
		return errors.New(fmt.Sprintf("HTTP_PORT out of range: %d", config.Port))
	}
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.LiveInterval = getEnvDuration("HTTP_LIVE_INTERVAL", 250*time.Millisecond)
	config.ResultLinger = getEnvDuration("HTTP_RESULT_LINGER", 30*time.Second)
	return nil
}

func loadSessionLogConfig(logger *logrus.Logger, config *SessionLogConfig) error {
	config.BaseURL = strings.TrimRight(getEnv("SESSION_LOG_URL", "http://localhost:8000"), "/")
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid SESSION_LOG_URL: %s", config.BaseURL))
	}
	config.RequestTimeout = getEnvDuration("SESSION_LOG_TIMEOUT", 15*time.Second)
	return nil
}

func loadUplinkConfig(logger *logrus.Logger, config *UplinkConfig, sessionLogURL string) error {
	config.Enabled = getEnvBool("UPLINK_ENABLED", true)
	config.URL = getEnv("UPLINK_URL", "")
	if config.URL == "" {
		derived, err := AudioStreamURL(sessionLogURL)
		if err != nil {
			return err
		}
		config.URL = derived
		logger.WithField("url", derived).Debug("Derived uplink URL from SESSION_LOG_URL")
	}
	config.ChunkSize = getEnvInt("UPLINK_CHUNK_SIZE", 2048)
	config.SampleRate = getEnvInt("UPLINK_SAMPLE_RATE", 16000)
	return nil
}

func loadCaptureConfig(logger *logrus.Logger, config *CaptureConfig) error {
	audioFormat, audioDevice, videoFormat, videoDevice := platformCaptureDefaults()

	config.FFmpegPath = getEnv("FFMPEG_PATH", "ffmpeg")
	config.AudioFormat = getEnv("CAPTURE_AUDIO_FORMAT", audioFormat)
	config.AudioDevice = getEnv("CAPTURE_AUDIO_DEVICE", audioDevice)
	config.VideoFormat = getEnv("CAPTURE_VIDEO_FORMAT", videoFormat)
	config.VideoDevice = getEnv("CAPTURE_VIDEO_DEVICE", videoDevice)
	config.FrameRate = getEnvInt("CAPTURE_FRAME_RATE", 30)
	config.Width = getEnvInt("CAPTURE_WIDTH", 640)
	config.Height = getEnvInt("CAPTURE_HEIGHT", 480)
	return nil
}

func loadDetectorConfig(logger *logrus.Logger, config *DetectorConfig) error {
	config.PoseURL = strings.TrimRight(getEnv("POSE_DETECTOR_URL", "http://localhost:8010"), "/")
	config.ExpressionURL = strings.TrimRight(getEnv("EXPRESSION_DETECTOR_URL", "http://localhost:8011"), "/")
	config.FailureThreshold = int64(getEnvInt("DETECTOR_FAILURE_THRESHOLD", 5))
	config.Cooldown = getEnvDuration("DETECTOR_COOLDOWN", 5*time.Second)
	return nil
}

func loadExpressionConfig(logger *logrus.Logger, config *ExpressionConfig) error {
	config.Interval = getEnvDuration("EXPRESSION_INTERVAL", 1200*time.Millisecond)
	config.Labels = getEnvList("EXPRESSION_LABELS", DefaultExpressionLabels)
	return nil
}

func loadSpeechConfig(logger *logrus.Logger, config *SpeechConfig) error {
	config.Provider = strings.ToLower(getEnv("SPEECH_PROVIDER", "mock"))
	config.Language = getEnv("SPEECH_LANGUAGE", "en-US")
	config.SampleRate = getEnvInt("SPEECH_SAMPLE_RATE", 16000)
	config.FillerWords = getEnvList("SPEECH_FILLER_WORDS", DefaultFillerWords)
	config.MinBatchTokens = getEnvInt("SPEECH_MIN_BATCH_TOKENS", 3)
	config.MinBatchWPM = getEnvInt("SPEECH_MIN_BATCH_WPM", 40)

	config.Google.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")
	config.Google.APIKey = getEnv("GOOGLE_STT_API_KEY", "")
	config.Google.Model = getEnv("GOOGLE_STT_MODEL", "")
	config.Google.EnableAutomaticPunctuation = getEnvBool("GOOGLE_STT_AUTO_PUNCTUATION", false)

	config.Amazon.Region = getEnv("AWS_REGION", "us-east-1")
	config.Amazon.AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	config.Amazon.SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	config.Amazon.VocabularyName = getEnv("AMAZON_TRANSCRIBE_VOCABULARY", "")
	return nil
}

func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "coaching.sessions")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	return nil
}

func loadSessionConfig(logger *logrus.Logger, config *SessionConfig) error {
	config.MailboxSize = getEnvInt("SESSION_MAILBOX_SIZE", 256)
	config.Duration = getEnvDuration("SESSION_DURATION", 0)
	return nil
}

// validateConfig validates the loaded configuration
func validateConfig(logger *logrus.Logger, config *Config) error {
	switch config.Speech.Provider {
	case "mock", "google", "amazon", "none":
	default:
		return errors.New(fmt.Sprintf("unsupported SPEECH_PROVIDER: %s", config.Speech.Provider))
	}

	if config.Speech.Provider == "google" && config.Speech.Google.APIKey == "" && config.Speech.Google.CredentialsFile == "" {
		return errors.New("SPEECH_PROVIDER=google requires GOOGLE_STT_API_KEY or GOOGLE_APPLICATION_CREDENTIALS")
	}

	if config.Speech.Provider == "amazon" && (config.Speech.Amazon.AccessKeyID == "" || config.Speech.Amazon.SecretAccessKey == "") {
		return errors.New("SPEECH_PROVIDER=amazon requires AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
	}

	if config.Uplink.ChunkSize <= 0 {
		return errors.New("invalid UPLINK_CHUNK_SIZE: must be positive")
	}

	if config.Uplink.SampleRate <= 0 || config.Speech.SampleRate <= 0 {
		return errors.New("sample rates must be positive")
	}

	if config.Expression.Interval <= 0 {
		return errors.New("invalid EXPRESSION_INTERVAL: must be a positive duration")
	}

	if len(config.Expression.Labels) == 0 {
		return errors.New("EXPRESSION_LABELS must not be empty")
	}

	if config.Session.MailboxSize <= 0 {
		return errors.New("invalid SESSION_MAILBOX_SIZE: must be positive")
	}

	if config.Capture.FrameRate <= 0 {
		return errors.New("invalid CAPTURE_FRAME_RATE: must be positive")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	if config.Messaging.AMQPUrl != "" && config.Messaging.QueueName == "" {
		logger.Warn("AMQP_URL set without AMQP_QUEUE_NAME, session results will not be published")
	}

	return nil
}

// ApplyLogging applies the configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return nil
}

// AudioStreamURL derives the websocket audio endpoint from the session log base URL
func AudioStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("invalid session log URL: %s", baseURL))
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errors.New(fmt.Sprintf("unsupported session log URL scheme: %s", u.Scheme))
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/api/audio-stream"
	return u.String(), nil
}

// platformCaptureDefaults returns ffmpeg input formats and devices for the host OS
func platformCaptureDefaults() (audioFormat, audioDevice, videoFormat, videoDevice string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":default", "avfoundation", "default"
	case "windows":
		return "dshow", "audio=default", "dshow", "video=default"
	default:
		return "pulse", "default", "v4l2", "/dev/video0"
	}
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvList reads a comma-separated list, trimming and lower-casing entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
