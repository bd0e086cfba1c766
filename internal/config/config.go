package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the dialer process.
// Values come from the environment; a .env file in the working directory is
// loaded first when present and never overrides variables already set.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Twilio    TwilioConfig
	Callbacks CallbackConfig
	FCM       FCMConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// QueueName prefixes the dispatch queue keys.
	QueueName string
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	APIBaseURL  string
	RingTimeout time.Duration
}

type CallbackConfig struct {
	// PublicBaseURL is where the provider reaches our webhooks.
	PublicBaseURL      string
	MediaStreamBaseURL string
	AnswerPauseSeconds int
}

type FCMConfig struct {
	// ServiceAccountFile empty means outcomes are only logged.
	ServiceAccountFile string
	Topic              string
}

type WorkerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

type LogConfig struct {
	File string
}

const (
	defaultQueueName          = "tasks:dialer"
	defaultTwilioAPIBaseURL   = "https://api.twilio.com"
	defaultRingTimeout        = 30 * time.Second
	defaultAnswerPauseSeconds = 30
	defaultFCMTopic           = "apps/android"
	defaultPollInterval       = time.Second
	defaultBatchSize          = 10
	defaultLease              = 30 * time.Second
)

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}
	c.Redis.QueueName = strings.TrimSpace(os.Getenv("QUEUE_NAME"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	{
		d, err := optionalDuration("TWILIO_RING_TIMEOUT")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Twilio.RingTimeout = d
	}

	c.Callbacks.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.Callbacks.MediaStreamBaseURL = strings.TrimSpace(os.Getenv("MEDIA_STREAM_BASE_URL"))
	{
		n, err := optionalInt("ANSWER_PAUSE_SECONDS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Callbacks.AnswerPauseSeconds = n
	}

	c.FCM.ServiceAccountFile = strings.TrimSpace(os.Getenv("FCM_SERVICE_ACCOUNT_FILE"))
	c.FCM.Topic = strings.TrimSpace(os.Getenv("FCM_TOPIC"))

	{
		b, err := optionalBool("WORKER_ENABLED", true)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Worker.Enabled = b
	}
	{
		d, err := optionalDuration("WORKER_POLL_INTERVAL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Worker.PollInterval = d
	}
	{
		n, err := optionalInt("WORKER_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Worker.BatchSize = n
	}
	{
		d, err := optionalDuration("WORKER_LEASE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Worker.Lease = d
	}

	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}
	if c.Redis.QueueName == "" {
		c.Redis.QueueName = defaultQueueName
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required"))
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = defaultTwilioAPIBaseURL
	}
	if c.Twilio.RingTimeout <= 0 {
		c.Twilio.RingTimeout = defaultRingTimeout
	}

	if c.Callbacks.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !isAbsoluteURL(c.Callbacks.PublicBaseURL, "http", "https") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.Callbacks.PublicBaseURL))
	}
	if c.Callbacks.MediaStreamBaseURL != "" && !isAbsoluteURL(c.Callbacks.MediaStreamBaseURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("MEDIA_STREAM_BASE_URL must be an absolute ws(s) URL, got %q", c.Callbacks.MediaStreamBaseURL))
	}
	if c.Callbacks.AnswerPauseSeconds <= 0 {
		c.Callbacks.AnswerPauseSeconds = defaultAnswerPauseSeconds
	}

	if c.FCM.Topic == "" {
		c.FCM.Topic = defaultFCMTopic
	}

	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = defaultPollInterval
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = defaultBatchSize
	}
	if c.Worker.Lease <= 0 {
		c.Worker.Lease = defaultLease
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 when key is unset; Validate applies the default.
func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s, got %q", key, v)
	}
	return d, nil
}

func optionalBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isAbsoluteURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
