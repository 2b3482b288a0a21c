package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// StorageDriverMemory использует in-memory репозитории.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL-репозитории.
	StorageDriverPostgres = "postgres"

	// EnvPrefix: префикс переменных окружения конфигурации.
	EnvPrefix = "RESCUEBAG"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr" validate:"required"`
	GRPCAddr    string `mapstructure:"grpc_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`

	StorageDriver       string `mapstructure:"storage_driver" validate:"oneof=memory postgres"`
	PostgresDSN         string `mapstructure:"postgres_dsn" validate:"required_if=StorageDriver postgres"`
	PostgresAutoMigrate bool   `mapstructure:"postgres_auto_migrate"`

	// Пустой RedisAddr означает in-process hub для Watch.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	// KafkaBrokers: список через запятую; пустое значение отключает Kafka.
	KafkaBrokers      string `mapstructure:"kafka_brokers"`
	KafkaEventsTopic  string `mapstructure:"kafka_events_topic" validate:"required"`
	KafkaPaymentTopic string `mapstructure:"kafka_payment_topic" validate:"required"`
	KafkaDLQTopic     string `mapstructure:"kafka_dlq_topic" validate:"required"`
	KafkaGroupID      string `mapstructure:"kafka_group_id" validate:"required"`

	SigningSecret string        `mapstructure:"signing_secret" validate:"required,min=16"`
	QRTokenTTL    time.Duration `mapstructure:"qr_token_ttl" validate:"gt=0"`

	PaymentProviderURL     string        `mapstructure:"payment_provider_url" validate:"omitempty,url"`
	PaymentProviderTimeout time.Duration `mapstructure:"payment_provider_timeout" validate:"gt=0"`
	PaymentPollInterval    time.Duration `mapstructure:"payment_poll_interval" validate:"gt=0"`
	PaymentPollTimeout     time.Duration `mapstructure:"payment_poll_timeout" validate:"gtfield=PaymentPollInterval"`

	// RefundRetryInterval: как часто повторять возвраты, не прошедшие у провайдера.
	RefundRetryInterval  time.Duration `mapstructure:"refund_retry_interval" validate:"gt=0"`
	RefundRetryBatchSize int           `mapstructure:"refund_retry_batch_size" validate:"gt=0"`

	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval" validate:"gt=0"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size" validate:"gt=0"`
	OutboxMaxAttempts  int           `mapstructure:"outbox_max_attempts" validate:"gt=0"`
	OutboxRetryDelay   time.Duration `mapstructure:"outbox_retry_delay" validate:"gte=0"`
	// OutboxMaxPending: размер backlog, при превышении которого outbox считается деградировавшим.
	OutboxMaxPending int `mapstructure:"outbox_max_pending" validate:"gt=0"`

	IdempotencyTTL              time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
	IdempotencyCleanupInterval  time.Duration `mapstructure:"idempotency_cleanup_interval" validate:"gt=0"`
	IdempotencyCleanupBatchSize int           `mapstructure:"idempotency_cleanup_batch_size" validate:"gt=0"`

	// IdempotencyProcessingTimeout: через сколько ключ в статусе processing
	// считается брошенным упавшим запросом и освобождается.
	IdempotencyProcessingTimeout time.Duration `mapstructure:"idempotency_processing_timeout" validate:"gt=0"`

	TracingEnabled     bool    `mapstructure:"tracing_enabled"`
	TracingSampleRatio float64 `mapstructure:"tracing_sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig возвращает конфигурацию для локального запуска.
// SigningSecret не имеет значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaEventsTopic:  "rescuebag.order.events",
		KafkaPaymentTopic: "rescuebag.payment.outcomes",
		KafkaDLQTopic:     "rescuebag.dlq",
		KafkaGroupID:      "rescuebag-order-service",

		QRTokenTTL: 24 * time.Hour,

		PaymentProviderTimeout: 10 * time.Second,
		PaymentPollInterval:    30 * time.Second,
		PaymentPollTimeout:     15 * time.Minute,

		RefundRetryInterval:  time.Minute,
		RefundRetryBatchSize: 50,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  10,
		OutboxRetryDelay:   500 * time.Millisecond,
		OutboxMaxPending:   10000,

		IdempotencyTTL:               24 * time.Hour,
		IdempotencyCleanupInterval:   time.Minute,
		IdempotencyCleanupBatchSize:  500,
		IdempotencyProcessingTimeout: 2 * time.Minute,

		TracingSampleRatio: 1,
	}
}

// LoadConfig читает конфигурацию из окружения (RESCUEBAG_HTTP_ADDR и т.д.)
// поверх DefaultConfig и валидирует результат.
func LoadConfig() (Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	setDefaults(v, def)

	cfg := Config{
		HTTPAddr:    v.GetString("http_addr"),
		GRPCAddr:    v.GetString("grpc_addr"),
		MetricsAddr: v.GetString("metrics_addr"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		StorageDriver:       strings.ToLower(strings.TrimSpace(v.GetString("storage_driver"))),
		PostgresDSN:         strings.TrimSpace(v.GetString("postgres_dsn")),
		PostgresAutoMigrate: v.GetBool("postgres_auto_migrate"),

		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		KafkaBrokers:      strings.TrimSpace(v.GetString("kafka_brokers")),
		KafkaEventsTopic:  v.GetString("kafka_events_topic"),
		KafkaPaymentTopic: v.GetString("kafka_payment_topic"),
		KafkaDLQTopic:     v.GetString("kafka_dlq_topic"),
		KafkaGroupID:      v.GetString("kafka_group_id"),

		SigningSecret: v.GetString("signing_secret"),
		QRTokenTTL:    v.GetDuration("qr_token_ttl"),

		PaymentProviderURL:     strings.TrimSpace(v.GetString("payment_provider_url")),
		PaymentProviderTimeout: v.GetDuration("payment_provider_timeout"),
		PaymentPollInterval:    v.GetDuration("payment_poll_interval"),
		PaymentPollTimeout:     v.GetDuration("payment_poll_timeout"),

		RefundRetryInterval:  v.GetDuration("refund_retry_interval"),
		RefundRetryBatchSize: v.GetInt("refund_retry_batch_size"),

		OutboxPollInterval: v.GetDuration("outbox_poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox_batch_size"),
		OutboxMaxAttempts:  v.GetInt("outbox_max_attempts"),
		OutboxRetryDelay:   v.GetDuration("outbox_retry_delay"),
		OutboxMaxPending:   v.GetInt("outbox_max_pending"),

		IdempotencyTTL:               v.GetDuration("idempotency_ttl"),
		IdempotencyCleanupInterval:   v.GetDuration("idempotency_cleanup_interval"),
		IdempotencyCleanupBatchSize:  v.GetInt("idempotency_cleanup_batch_size"),
		IdempotencyProcessingTimeout: v.GetDuration("idempotency_processing_timeout"),

		TracingEnabled:     v.GetBool("tracing_enabled"),
		TracingSampleRatio: v.GetFloat64("tracing_sample_ratio"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	defaults := map[string]any{
		"http_addr":                      def.HTTPAddr,
		"grpc_addr":                      def.GRPCAddr,
		"metrics_addr":                   def.MetricsAddr,
		"log_level":                      def.LogLevel,
		"log_format":                     def.LogFormat,
		"storage_driver":                 def.StorageDriver,
		"postgres_dsn":                   def.PostgresDSN,
		"postgres_auto_migrate":          def.PostgresAutoMigrate,
		"redis_addr":                     def.RedisAddr,
		"redis_password":                 def.RedisPassword,
		"redis_db":                       def.RedisDB,
		"kafka_brokers":                  def.KafkaBrokers,
		"kafka_events_topic":             def.KafkaEventsTopic,
		"kafka_payment_topic":            def.KafkaPaymentTopic,
		"kafka_dlq_topic":                def.KafkaDLQTopic,
		"kafka_group_id":                 def.KafkaGroupID,
		"signing_secret":                 def.SigningSecret,
		"qr_token_ttl":                   def.QRTokenTTL,
		"payment_provider_url":           def.PaymentProviderURL,
		"payment_provider_timeout":       def.PaymentProviderTimeout,
		"payment_poll_interval":          def.PaymentPollInterval,
		"payment_poll_timeout":           def.PaymentPollTimeout,
		"refund_retry_interval":          def.RefundRetryInterval,
		"refund_retry_batch_size":        def.RefundRetryBatchSize,
		"outbox_poll_interval":           def.OutboxPollInterval,
		"outbox_batch_size":              def.OutboxBatchSize,
		"outbox_max_attempts":            def.OutboxMaxAttempts,
		"outbox_retry_delay":             def.OutboxRetryDelay,
		"outbox_max_pending":             def.OutboxMaxPending,
		"idempotency_ttl":                def.IdempotencyTTL,
		"idempotency_cleanup_interval":   def.IdempotencyCleanupInterval,
		"idempotency_cleanup_batch_size": def.IdempotencyCleanupBatchSize,
		"idempotency_processing_timeout": def.IdempotencyProcessingTimeout,
		"tracing_enabled":                def.TracingEnabled,
		"tracing_sample_ratio":           def.TracingSampleRatio,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate проверяет конфигурацию по тегам validate.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	return splitBrokers(c.KafkaBrokers)
}
