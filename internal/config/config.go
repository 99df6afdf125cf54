package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Logging is shared by every binary.
type Logging struct {
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile        string `envconfig:"LOG_FILE"`
	LogMaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	LogMaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays  int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
	LogRingEnabled bool   `envconfig:"LOG_RING_ENABLED" default:"true"`
}

// Policy holds the retry and retention knobs of the core.
type Policy struct {
	EventMaxAttempts  int           `envconfig:"EVENT_MAX_ATTEMPTS" default:"3"`
	BrandingRetention time.Duration `envconfig:"BRANDING_RETENTION" default:"2160h"`
	EventRetention    time.Duration `envconfig:"EVENT_RETENTION" default:"168h"`
	ImageMaxAge       time.Duration `envconfig:"IMAGE_MAX_AGE" default:"720h"`
	SyncLookback      time.Duration `envconfig:"SYNC_LOOKBACK" default:"720h"`

	LookupTimeoutCallScreening time.Duration `envconfig:"LOOKUP_TIMEOUT_CALL_SCREENING" default:"150ms"`
	LookupTimeoutManual        time.Duration `envconfig:"LOOKUP_TIMEOUT_MANUAL" default:"3s"`
	HTTPTimeout                time.Duration `envconfig:"HTTP_TIMEOUT" default:"6s"`

	UploadBatchSize int           `envconfig:"UPLOAD_BATCH_SIZE" default:"50"`
	UploadRPS       float64       `envconfig:"UPLOAD_RPS" default:"10"`
	UploadBurst     int           `envconfig:"UPLOAD_BURST" default:"10"`
	SyncInterval    time.Duration `envconfig:"SYNC_INTERVAL" default:"24h"`
	UploadInterval  time.Duration `envconfig:"UPLOAD_INTERVAL" default:"15m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
	PrefetchWorkers int           `envconfig:"PREFETCH_WORKERS" default:"4"`
}

type DB struct {
	DBDSN                   string        `envconfig:"DB_DSN"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

type Redis struct {
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"callbrand:"`
}

type SQS struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSGroupBuckets    int    `envconfig:"SQS_GROUP_BUCKETS" default:"256"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

type Device struct {
	Platform   string `envconfig:"DEVICE_PLATFORM" default:"linux"`
	DeviceType string `envconfig:"DEVICE_TYPE"`
	OSVersion  string `envconfig:"OS_VERSION"`
	AppVersion string `envconfig:"APP_VERSION"`
	SDKVersion string `envconfig:"SDK_VERSION" default:"1.0.0"`
	DeviceID   string `envconfig:"DEVICE_ID"`

	ContactsEnabled       bool `envconfig:"CAP_CONTACTS_ENABLED" default:"false"`
	ContactsPhotosEnabled bool `envconfig:"CAP_CONTACTS_PHOTOS_ENABLED" default:"false"`
	CallDirectoryEnabled  bool `envconfig:"CAP_CALL_DIRECTORY_ENABLED" default:"false"`
	BackgroundRefresh     bool `envconfig:"CAP_BACKGROUND_REFRESH" default:"true"`
}

type AgentConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	Logging

	BaseURL      string `envconfig:"BASE_URL" required:"true"`
	APIKey       string `envconfig:"API_KEY"`
	PinnedCAFile string `envconfig:"PINNED_CA_FILE"`

	DataDir          string `envconfig:"DATA_DIR" default:"./data"`
	CredentialSecret string `envconfig:"CREDENTIAL_SECRET"`

	// sqlite | pg | memory (tests only; nothing survives a restart)
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	// empty means DATA_DIR/callbrand.db
	SQLitePath string `envconfig:"SQLITE_PATH"`
	// empty uses the store backend; "redis" shares the branding cache across agents
	BrandingBackend string `envconfig:"BRANDING_BACKEND"`
	// rest | sqs
	EventSink string `envconfig:"EVENT_SINK" default:"rest"`

	DB
	Redis
	SQS
	Device
	Policy

	DebugLocalOverride bool `envconfig:"DEBUG_LOCAL_OVERRIDE" default:"false"`
}

type MockBackendConfig struct {
	Port string `envconfig:"PORT" default:"8081"`
	Logging

	APIKey      string `envconfig:"MOCK_API_KEY" default:"dev-key"`
	SeedFile    string `envconfig:"MOCK_SEED_FILE"`
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	DelayMs     int    `envconfig:"MOCK_DELAY_MS" default:"0"`
	TLSCertFile string `envconfig:"MOCK_TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"MOCK_TLS_KEY_FILE"`
	DebugUI     bool   `envconfig:"MOCK_DEBUG_UI" default:"false"`
}

type RelayConfig struct {
	Port        string `envconfig:"PORT" default:"8082"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9092"`
	Logging

	BaseURL      string        `envconfig:"BASE_URL" required:"true"`
	APIKey       string        `envconfig:"API_KEY" required:"true"`
	PinnedCAFile string        `envconfig:"PINNED_CA_FILE"`
	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"6s"`

	SQS
	RelayConcurrency int     `envconfig:"RELAY_CONCURRENCY" default:"8"`
	RelayRPS         float64 `envconfig:"RELAY_RPS" default:"20"`
	RelayBurst       int     `envconfig:"RELAY_BURST" default:"20"`
}

func LoadAgent() AgentConfig {
	var cfg AgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockBackend() MockBackendConfig {
	var cfg MockBackendConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadRelay() RelayConfig {
	var cfg RelayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
