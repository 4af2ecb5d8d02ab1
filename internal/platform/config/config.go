package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultRequestTimeout   = 20 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
	defaultStorageBackend   = StorageMemory
	defaultPostgresMaxOpen  = 10
	defaultPostgresMaxIdle  = 5
	defaultPostgresLifetime = 30 * time.Minute
	defaultRedisKeyPrefix   = "bookstore"
	defaultVNPayVersion     = "2.1.0"
	defaultVNPayTimeout     = 15 * time.Minute
	defaultVNPayQueryTTL    = 10 * time.Second
	defaultSessionTTL       = 30 * time.Minute
	defaultSweepInterval    = 5 * time.Minute
	defaultSweepBatchSize   = 500
	defaultLoginAttempts    = 5
	defaultLoginBlock       = 15 * time.Minute
	defaultCheckoutPerMin   = 30
	defaultIdempotencyTTL   = 30 * time.Minute
	defaultAuthMode         = AuthModeLocal
	defaultTokenIssuer      = "bookstore-payments"
	defaultTokenTTL         = time.Hour
	defaultEventsBackend    = EventsNone
	defaultEventsTopic      = "orders.settled"
	defaultSecurityEnv      = "local"
	defaultOIDCJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer   = "https://accounts.google.com"
	defaultMetricsNamespace = "bookstore"
)

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageFirestore = "firestore"
	StoragePostgres  = "postgres"
)

// Auth modes for payer tokens.
const (
	AuthModeLocal    = "local"
	AuthModeFirebase = "firebase"
)

// Event backends.
const (
	EventsNone   = "none"
	EventsPubSub = "pubsub"
	EventsKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	VNPay     VNPayConfig
	Checkout  CheckoutConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Events    EventsConfig
	Security  SecurityConfig
	Metrics   MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Version         string
}

// StorageConfig selects where carts, vouchers, orders and credentials live.
type StorageConfig struct {
	Backend string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the SQL backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig enables shared payment sessions and login counters when Addr is set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Enabled reports whether a Redis server was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// VNPayConfig holds merchant settings for the hosted payment page and transaction queries.
type VNPayConfig struct {
	TmnCode           string
	HashSecret        string
	PayURL            string
	ReturnURL         string
	APIURL            string
	ServerIP          string
	Version           string
	PaymentTimeout    time.Duration
	QueryTimeout      time.Duration
	ConfirmWithQuery  bool
	FrontendResultURL string
}

// CheckoutConfig controls payment session lifetime and cleanup.
type CheckoutConfig struct {
	SessionTTL     time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int
	// IdempotencyTTL is how long a completed checkout is replayed for a repeated Idempotency-Key.
	IdempotencyTTL time.Duration
}

// RateLimitConfig controls login throttling and per-payer checkout limits.
type RateLimitConfig struct {
	LoginMaxAttempts  int
	LoginBlock        time.Duration
	CheckoutPerMinute int
}

// AuthConfig configures payer token issuance and verification.
type AuthConfig struct {
	Mode       string
	SigningKey string
	Issuer     string
	TokenTTL   time.Duration
}

// EventsConfig selects where settled-order events are published.
type EventsConfig struct {
	Backend       string
	PubSubProject string
	Topic         string
	KafkaBrokers  []string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields (e.g. "VNPay.HashSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the effective environment after applying Load's precedence
// (dotenv < OS env < explicit map), so callers can build the secret fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout:  durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			Version:         stringWithDefault(lookup, "API_VERSION", "dev"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "API_STORAGE_BACKEND", defaultStorageBackend)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxOpenConns:    intWithDefault(lookup, "API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
			MaxIdleConns:    intWithDefault(lookup, "API_POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
			ConnMaxLifetime: durationWithDefault(lookup, "API_POSTGRES_CONN_MAX_LIFETIME", defaultPostgresLifetime),
			MigrateOnStart:  boolWithDefault(lookup, "API_POSTGRES_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "API_REDIS_DB", 0),
			KeyPrefix: stringWithDefault(lookup, "API_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		VNPay: VNPayConfig{
			TmnCode:           stringWithDefault(lookup, "API_VNPAY_TMN_CODE", ""),
			HashSecret:        stringWithDefault(lookup, "API_VNPAY_HASH_SECRET", ""),
			PayURL:            stringWithDefault(lookup, "API_VNPAY_PAY_URL", ""),
			ReturnURL:         stringWithDefault(lookup, "API_VNPAY_RETURN_URL", ""),
			APIURL:            stringWithDefault(lookup, "API_VNPAY_API_URL", ""),
			ServerIP:          stringWithDefault(lookup, "API_VNPAY_SERVER_IP", ""),
			Version:           stringWithDefault(lookup, "API_VNPAY_VERSION", defaultVNPayVersion),
			PaymentTimeout:    durationWithDefault(lookup, "API_VNPAY_PAYMENT_TIMEOUT", defaultVNPayTimeout),
			QueryTimeout:      durationWithDefault(lookup, "API_VNPAY_QUERY_TIMEOUT", defaultVNPayQueryTTL),
			ConfirmWithQuery:  boolWithDefault(lookup, "API_VNPAY_CONFIRM_WITH_QUERY", false),
			FrontendResultURL: stringWithDefault(lookup, "API_FRONTEND_RESULT_URL", ""),
		},
		Checkout: CheckoutConfig{
			SessionTTL:     durationWithDefault(lookup, "API_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			SweepInterval:  durationWithDefault(lookup, "API_CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize: intWithDefault(lookup, "API_CHECKOUT_SWEEP_BATCH", defaultSweepBatchSize),
			IdempotencyTTL: durationWithDefault(lookup, "API_CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		RateLimit: RateLimitConfig{
			LoginMaxAttempts:  intWithDefault(lookup, "API_RATELIMIT_LOGIN_MAX_ATTEMPTS", defaultLoginAttempts),
			LoginBlock:        durationWithDefault(lookup, "API_RATELIMIT_LOGIN_BLOCK", defaultLoginBlock),
			CheckoutPerMinute: intWithDefault(lookup, "API_RATELIMIT_CHECKOUT_PER_MIN", defaultCheckoutPerMin),
		},
		Auth: AuthConfig{
			Mode:       strings.ToLower(stringWithDefault(lookup, "API_AUTH_MODE", defaultAuthMode)),
			SigningKey: stringWithDefault(lookup, "API_AUTH_SIGNING_KEY", ""),
			Issuer:     stringWithDefault(lookup, "API_AUTH_ISSUER", defaultTokenIssuer),
			TokenTTL:   durationWithDefault(lookup, "API_AUTH_TOKEN_TTL", defaultTokenTTL),
		},
		Events: EventsConfig{
			Backend:       strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubProject: stringWithDefault(lookup, "API_EVENTS_PUBSUB_PROJECT_ID", ""),
			Topic:         stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers:  csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnv)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Metrics: MetricsConfig{
			Enabled:   boolWithDefault(lookup, "API_METRICS_ENABLED", true),
			Namespace: stringWithDefault(lookup, "API_METRICS_NAMESPACE", defaultMetricsNamespace),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSubProject == "" {
		cfg.Events.PubSubProject = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved, err := resolveSecretFields(ctx, options.secret, []secretField{
		{"VNPay.HashSecret", &cfg.VNPay.HashSecret},
		{"Auth.SigningKey", &cfg.Auth.SigningKey},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	})
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Server.RequestTimeout > 0, "Server.RequestTimeout")

	switch cfg.Storage.Backend {
	case StorageMemory:
	case StorageFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoragePostgres:
		require(cfg.Postgres.DSN != "", "Postgres.DSN")
	default:
		missing = append(missing, "Storage.Backend")
	}

	require(cfg.VNPay.TmnCode != "", "VNPay.TmnCode")
	require(cfg.VNPay.HashSecret != "", "VNPay.HashSecret")
	require(validURL(cfg.VNPay.PayURL), "VNPay.PayURL")
	require(validURL(cfg.VNPay.ReturnURL), "VNPay.ReturnURL")
	require(validURL(cfg.VNPay.FrontendResultURL), "VNPay.FrontendResultURL")
	require(cfg.VNPay.PaymentTimeout > 0, "VNPay.PaymentTimeout")
	if cfg.VNPay.ConfirmWithQuery || cfg.VNPay.APIURL != "" {
		require(validURL(cfg.VNPay.APIURL), "VNPay.APIURL")
	}

	require(cfg.Checkout.SessionTTL > 0, "Checkout.SessionTTL")
	require(cfg.Checkout.SweepInterval > 0, "Checkout.SweepInterval")
	require(cfg.Checkout.SweepBatchSize > 0, "Checkout.SweepBatchSize")
	require(cfg.Checkout.IdempotencyTTL > 0, "Checkout.IdempotencyTTL")
	require(cfg.RateLimit.LoginMaxAttempts > 0, "RateLimit.LoginMaxAttempts")
	require(cfg.RateLimit.LoginBlock > 0, "RateLimit.LoginBlock")

	switch cfg.Auth.Mode {
	case AuthModeLocal:
		require(cfg.Auth.SigningKey != "", "Auth.SigningKey")
		require(cfg.Auth.TokenTTL > 0, "Auth.TokenTTL")
	case AuthModeFirebase:
		require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	default:
		missing = append(missing, "Auth.Mode")
	}

	switch cfg.Events.Backend {
	case EventsNone:
	case EventsPubSub:
		require(cfg.Events.PubSubProject != "", "Events.PubSubProject")
		require(cfg.Events.Topic != "", "Events.Topic")
	case EventsKafka:
		require(len(cfg.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
		require(cfg.Events.Topic != "", "Events.Topic")
	default:
		missing = append(missing, "Events.Backend")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

type lookupFunc func(string) (string, bool)

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup lookupFunc, key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup lookupFunc, key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
