package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"fern"`
	Port               int    `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath   string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int    `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int    `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool   `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// Connections used by the bulk government transaction loader
	BulkLoadMaxConns  int `env:"BULK_LOAD_MAX_CONNS" env-default:"4"`
	BulkLoadBatchSize int `env:"BULK_LOAD_BATCH_SIZE" env-default:"200"`

	// State store: "file", "memory" or "redis"
	StateBackend string `env:"STATE_BACKEND" env-default:"file" validate:"oneof=file memory redis"`
	StateDir     string `env:"STATE_DIR" env-default:".fern-state"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB        int    `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"fern:"`

	// Events are published only when enabled
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers      string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaBargainTopic string `env:"KAFKA_BARGAIN_TOPIC" env-default:"fern-bargains"`
	KafkaRunTopic     string `env:"KAFKA_RUN_TOPIC" env-default:"fern-runs"`

	// Listing source
	SourceBaseURL         string        `env:"SOURCE_BASE_URL" env-default:"https://new.land.naver.com" validate:"url"`
	SourceLandingPath     string        `env:"SOURCE_LANDING_PATH" env-default:"/complexes"`
	SourceUserAgent       string        `env:"SOURCE_USER_AGENT" env-default:"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"`
	SourceTimeout         time.Duration `env:"SOURCE_TIMEOUT" env-default:"20s"`
	SourceChallengeMarker string        `env:"SOURCE_CHALLENGE_MARKER" env-default:"captcha"`
	SessionMaxRecreate    int           `env:"SESSION_MAX_RECREATE" env-default:"3"`

	// Harvester pacing
	HarvestBaseDelay      time.Duration `env:"HARVEST_BASE_DELAY" env-default:"1500ms"`
	HarvestMaxDelay       time.Duration `env:"HARVEST_MAX_DELAY" env-default:"30s"`
	HarvestDelayStep      time.Duration `env:"HARVEST_DELAY_STEP" env-default:"2s"`
	HarvestFloorDelay     time.Duration `env:"HARVEST_FLOOR_DELAY" env-default:"3s"`
	HarvestBatchSize      int           `env:"HARVEST_BATCH_SIZE" env-default:"20"`
	HarvestBatchRestMin   time.Duration `env:"HARVEST_BATCH_REST_MIN" env-default:"30s"`
	HarvestBatchRestMax   time.Duration `env:"HARVEST_BATCH_REST_MAX" env-default:"60s"`
	HarvestShortCooldown  time.Duration `env:"HARVEST_SHORT_COOLDOWN" env-default:"30s"`
	HarvestMediumCooldown time.Duration `env:"HARVEST_MEDIUM_COOLDOWN" env-default:"3m"`
	HarvestLongCooldown   time.Duration `env:"HARVEST_LONG_COOLDOWN" env-default:"15m"`
	HarvestPageCap        int           `env:"HARVEST_PAGE_CAP" env-default:"50"`
	HarvestRetryBudget    int           `env:"HARVEST_RETRY_BUDGET" env-default:"3"`
	HarvestConcurrency    int           `env:"HARVEST_CONCURRENCY" env-default:"20" validate:"min=1,max=100"`
	HarvestRoundPause     time.Duration `env:"HARVEST_ROUND_PAUSE" env-default:"2s"`

	// Area-wide cell polling
	CellBounds string  `env:"CELL_BOUNDS" env-default:"37.413,126.764,37.715,127.184"`
	CellStep   float64 `env:"CELL_STEP" env-default:"0.02"`

	// Region discovery starts below this region code (empty walks from the top)
	DiscoverRoot     string `env:"DISCOVER_ROOT" env-default:"1100000000"`
	DiscoverRootName string `env:"DISCOVER_ROOT_NAME" env-default:"서울시"`

	// Reconciliation
	QuickCheckStaleAfter time.Duration `env:"QUICK_CHECK_STALE_AFTER" env-default:"72h"`
	RunLockStaleAfter    time.Duration `env:"RUN_LOCK_STALE_AFTER" env-default:"6h"`
	RunPartialErrorRate  float64       `env:"RUN_PARTIAL_ERROR_RATE" env-default:"0.1"`
	RunProgressEvery     int           `env:"RUN_PROGRESS_EVERY" env-default:"25"`

	// Resolution
	ResolveSampleSize     int   `env:"RESOLVE_SAMPLE_SIZE" env-default:"10"`
	ResolvePriceTolerance int64 `env:"RESOLVE_PRICE_TOLERANCE" env-default:"10000"`

	// Scoring
	BargainThreshold int `env:"BARGAIN_THRESHOLD" env-default:"50" validate:"min=0,max=100"`
	// YAML file overriding the bargain keywords and negations
	BargainLexiconFile string `env:"BARGAIN_LEXICON_FILE" env-default:""`

	// Government dataset
	GovBaseURL  string        `env:"GOV_BASE_URL" env-default:"https://apis.data.go.kr/1613000/RTMSDataSvcAptTrade/getRTMSDataSvcAptTrade"`
	GovAPIKey   string        `env:"GOV_API_KEY" env-default:""`
	GovPageSize int           `env:"GOV_PAGE_SIZE" env-default:"1000"`
	GovTimeout  time.Duration `env:"GOV_TIMEOUT" env-default:"30s"`

	// Daemon schedules (cron with seconds)
	ScheduleQuickCheck string `env:"SCHEDULE_QUICK_CHECK" env-default:"0 0 */4 * * *"`
	ScheduleResolve    string `env:"SCHEDULE_RESOLVE" env-default:"0 30 3 * * *"`
	ScheduleScore      string `env:"SCHEDULE_SCORE" env-default:"0 0 5 * * *"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env (when present) into the process environment and parses the config from it.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// KafkaBrokerList splits the comma-separated broker setting.
func (c *Config) KafkaBrokerList() []string {
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

// DatabaseDSN builds a lib/pq style connection string.
func (c *Config) DatabaseDSN() string {
	return "host=" + c.DatabaseHost +
		" port=" + c.DatabasePort +
		" user=" + c.DatabaseUserName +
		" password=" + c.DatabasePassword +
		" dbname=" + c.DatabaseName +
		" sslmode=" + c.DatabaseSSLMode
}
