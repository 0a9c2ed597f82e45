// config предоставляет структуру конфигурации сервиса авторизации и функции
// загрузки из файла/переменных окружения с предсказуемым приоритетом.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config — корневая конфигурация сервиса.
// Источники значений (по убыванию приоритета):
//  1. явный путь через флаг --config;
//  2. путь в переменной окружения CONFIG_PATH;
//  3. файл local.yaml из рабочей директории;
//  4. переменные окружения (cleanenv), в том числе из .env.
type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Auth     AuthConfig     `yaml:"auth"`
	Clients  ClientsConfig  `yaml:"clients"`
	KeyStore KeyStoreConfig `yaml:"keystore"`
	S3       S3Config       `yaml:"s3"`
	AWS      AWSConfig      `yaml:"aws"`
	DB       DBConfig       `yaml:"db"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Sentry   SentryConfig   `yaml:"sentry"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Janitor  JanitorConfig  `yaml:"janitor"`
}

// TimeoutConfig — таймауты сервиса.
type TimeoutConfig struct {
	Service  time.Duration `yaml:"service" env:"SERVICE_TIMEOUT" env-default:"5s"`
	Shutdown time.Duration `yaml:"shutdown" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// HTTPConfig — сетевые настройки HTTP-сервера (OAuth2-эндпоинты, метрики, health).
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"9999"`
	// BasePath — префикс OAuth2-эндпоинтов, например "/auth".
	BasePath string `yaml:"base_path" env:"HTTP_BASE_PATH"`
}

// GRPCConfig описывает сетевые настройки gRPC-сервера.
type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"50051"`
}

// Addr возвращает адрес в формате host:port.
func (g HTTPConfig) Addr() string {
	return net.JoinHostPort(g.Host, g.Port)
}

// Addr возвращает адрес в формате host:port.
func (g GRPCConfig) Addr() string {
	return net.JoinHostPort(g.Host, g.Port)
}

// AuthConfig содержит общие параметры выпуска токенов и политики безопасности.
type AuthConfig struct {
	Issuer   string   `yaml:"issuer" env:"ISSUER" env-default:"car-rental-auth"`
	Audience []string `yaml:"audience" env:"AUDIENCE" env-default:"car-rental-api"`
	// DenyFormClientAuth запрещает передавать client_id/client_secret в теле формы;
	// тогда клиенты аутентифицируются только через HTTP Basic.
	DenyFormClientAuth bool `yaml:"deny_form_client_auth" env:"DENY_FORM_CLIENT_AUTH"`
	BcryptCost         int  `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"10"`
}

// ClientsConfig — статическая таблица клиентов.
type ClientsConfig struct {
	Admin   AdminClientConfig   `yaml:"admin"`
	Service ServiceClientConfig `yaml:"service"`
}

// AdminClientConfig — клиент администратора (client_credentials).
// TTL access-токена обязателен: бессрочные токены не выпускаются.
type AdminClientConfig struct {
	ClientID       string        `yaml:"client_id" env:"ADMIN_CLIENT_ID" env-default:"admin"`
	ClientSecret   string        `yaml:"client_secret" env:"ADMIN_CLIENT_SECRET" env-required:"true"`
	Scopes         []string      `yaml:"scopes" env:"ADMIN_CLIENT_SCOPES" env-default:"all"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"ADMIN_ACCESS_TOKEN_TTL" env-required:"true"`
}

// ServiceClientConfig — клиент веб-приложения (password + refresh_token).
// ClientSecret необязателен: без него клиент считается публичным.
type ServiceClientConfig struct {
	ClientID        string        `yaml:"client_id" env:"SERVICE_CLIENT_ID" env-default:"car-rental-web"`
	ClientSecret    string        `yaml:"client_secret" env:"SERVICE_CLIENT_SECRET"`
	Scopes          []string      `yaml:"scopes" env:"SERVICE_CLIENT_SCOPES" env-default:"read"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"SERVICE_ACCESS_TOKEN_TTL" env-required:"true"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"SERVICE_REFRESH_TOKEN_TTL" env-required:"true"`
}

// KeyStoreConfig — расположение хранилища ключа подписи.
// Location: путь к файлу, file://..., s3://bucket/object или secretsmanager://secret-id.
type KeyStoreConfig struct {
	Location    string        `yaml:"location" env:"KEYSTORE_LOCATION" env-required:"true"`
	Passphrase  string        `yaml:"passphrase" env:"KEYSTORE_PASSPHRASE"`
	KeyID       string        `yaml:"key_id" env:"KEYSTORE_KEY_ID"`
	LoadTimeout time.Duration `yaml:"load_timeout" env:"KEYSTORE_LOAD_TIMEOUT" env-default:"10s"`
}

// S3Config — доступ к MinIO/S3 для s3:// хранилищ ключа.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
}

// AWSConfig — параметры AWS SDK для secretsmanager:// хранилищ ключа.
type AWSConfig struct {
	Region string `yaml:"region" env:"AWS_REGION"`
}

// DBConfig — PostgreSQL для refresh-токенов. Пустой URL включает in-memory хранилище.
type DBConfig struct {
	DatabaseURL string `yaml:"db_url" env:"DATABASE_URL"`
}

// MongoConfig — MongoDB с пользователями. Пустой URL включает in-memory хранилище.
type MongoConfig struct {
	URL string `yaml:"url" env:"MONGO_URL"`
}

// RedisConfig — кэш состояния refresh-токенов (необязателен).
type RedisConfig struct {
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"identity:rt:"`
}

// SentryConfig — отправка паник и ошибок в Sentry. Пустой DSN отключает.
type SentryConfig struct {
	DSN string `yaml:"dsn" env:"SENTRY_DSN"`
}

// JanitorConfig — фоновая очистка просроченных refresh-токенов; Period 0 отключает.
// Grace — сколько просроченный токен ещё хранится, чтобы клиент получал
// "expired", а не "invalid".
type JanitorConfig struct {
	Period time.Duration `yaml:"period" env:"JANITOR_PERIOD" env-default:"30m"`
	Grace  time.Duration `yaml:"grace" env:"JANITOR_GRACE" env-default:"24h"`
}

// MustLoad — обёртка над Load с panic при ошибке.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load загружает конфигурацию по приоритету:
// 1) явный путь; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
// Перед чтением подгружается .env (если есть); ENV накладывается поверх YAML.
func Load(path string) (*Config, error) {
	var cfg Config

	// .env необязателен; уже выставленные переменные не перезаписываются.
	_ = godotenv.Load()

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, nil
	}

	// 1) Явный путь.
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH.
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml.
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) Только ENV.
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return &cfg, nil
}
