package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "ful-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.Store.Driver != StoreDriverFirestore {
		t.Errorf("expected firestore driver, got %s", cfg.Store.Driver)
	}
	if cfg.Firestore.ProjectID != "ful-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Auth.Mode != AuthModeFirebase {
		t.Errorf("expected firebase auth, got %s", cfg.Auth.Mode)
	}
	if cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected order events topic %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendMemory {
		t.Errorf("expected memory idempotency backend, got %s", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Commerce.Currency != "JPY" {
		t.Errorf("expected JPY currency, got %s", cfg.Commerce.Currency)
	}
	if cfg.Commerce.LowStockThreshold != 5 {
		t.Errorf("expected low stock threshold 5, got %d", cfg.Commerce.LowStockThreshold)
	}
	if !cfg.Postgres.Migrate {
		t.Errorf("expected migrations enabled by default")
	}
	if got := cfg.RequiredSecrets(); len(got) != 0 {
		t.Errorf("expected no required secrets, got %v", got)
	}
}

func TestLoadPostgresJWTRedisWithSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_ENVIRONMENT":                  "PROD",
		"API_STORE_DRIVER":                 "postgres",
		"API_POSTGRES_DSN":                 "secret://db/dsn",
		"API_POSTGRES_MAX_CONNS":           "32",
		"API_POSTGRES_MIGRATE":             "off",
		"API_AUTH_MODE":                    "jwt",
		"API_AUTH_JWT_SECRET":              "sm://auth/jwt",
		"API_AUTH_JWT_ISSUER":              "fulfillment-dev",
		"API_IDEMPOTENCY_BACKEND":          "redis",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":    "500",
		"API_REDIS_ADDR":                   "127.0.0.1:6379",
		"API_REDIS_DB":                     "3",
		"API_CURRENCY":                     "usd",
		"API_LOW_STOCK_THRESHOLD":          "12",
	}
	secrets := map[string]string{
		"secret://db/dsn":   "postgres://app:pw@localhost:5432/fulfillment",
		"secret://auth/jwt": "0123456789abcdef0123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Environment != "prod" {
		t.Errorf("expected prod environment, got %s", cfg.Environment)
	}
	if cfg.Postgres.DSN != "postgres://app:pw@localhost:5432/fulfillment" {
		t.Errorf("expected resolved dsn, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 32 || cfg.Postgres.Migrate {
		t.Errorf("unexpected postgres config %+v", cfg.Postgres)
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123" {
		t.Errorf("expected resolved jwt secret, got %s", cfg.Auth.JWTSecret)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.DB != 3 {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Idempotency.TTL != 48*time.Hour || cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
	if cfg.Commerce.Currency != "USD" || cfg.Commerce.LowStockThreshold != 12 {
		t.Errorf("unexpected commerce config %+v", cfg.Commerce)
	}
	if got := cfg.RequiredSecrets(); !slices.Equal(got, []string{"Postgres.DSN", "Auth.JWTSecret"}) {
		t.Errorf("unexpected required secrets %v", got)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local overrides\nAPI_SERVER_PORT=7070\nexport API_STORE_DRIVER=memory\nAPI_AUTH_MODE=\"jwks\"\nAPI_AUTH_JWKS_URL=http://localhost:9000/jwks.json\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected memory driver from dotenv, got %s", cfg.Store.Driver)
	}
	if cfg.Auth.Mode != AuthModeJWKS || cfg.Auth.JWKSURL != "http://localhost:9000/jwks.json" {
		t.Errorf("unexpected auth config %+v", cfg.Auth)
	}
}

func TestLoadExplicitMapBeatsDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("API_SERVER_PORT=7070\nAPI_STORE_DRIVER=memory\nAPI_AUTH_MODE=jwks\nAPI_AUTH_JWKS_URL=http://x\n"), 0o600); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit port, got %s", cfg.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		fields []string
	}{
		{name: "nothing configured", env: map[string]string{}, fields: []string{"Firestore.ProjectID", "Firebase.ProjectID"}},
		{name: "unknown driver", env: map[string]string{"API_STORE_DRIVER": "mysql", "API_FIREBASE_PROJECT_ID": "p"}, fields: []string{"Store.Driver"}},
		{name: "postgres without dsn", env: map[string]string{"API_STORE_DRIVER": "postgres", "API_FIREBASE_PROJECT_ID": "p"}, fields: []string{"Postgres.DSN"}},
		{name: "short jwt secret", env: map[string]string{"API_STORE_DRIVER": "memory", "API_AUTH_MODE": "jwt", "API_AUTH_JWT_SECRET": "short"}, fields: []string{"Auth.JWTSecret"}},
		{name: "redis without addr", env: map[string]string{"API_FIREBASE_PROJECT_ID": "p", "API_IDEMPOTENCY_BACKEND": "redis"}, fields: []string{"Redis.Addr"}},
		{name: "bad currency", env: map[string]string{"API_FIREBASE_PROJECT_ID": "p", "API_CURRENCY": "YEN!"}, fields: []string{"Commerce.Currency"}},
		{name: "negative threshold", env: map[string]string{"API_FIREBASE_PROJECT_ID": "p", "API_LOW_STOCK_THRESHOLD": "-1"}, fields: []string{"Commerce.LowStockThreshold"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %T (%v)", err, err)
			}
			if !slices.Equal(validation.Fields(), tc.fields) {
				t.Fatalf("expected fields %v, got %v", tc.fields, validation.Fields())
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "ful-dev",
		"API_REDIS_PASSWORD":      "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_ID", "os-secrets")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "override-project"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_ID"]; got != "os-secrets" {
		t.Fatalf("expected system env value, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "ful-dev"}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Redis.Password"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Redis.Password") {
		t.Fatalf("unexpected redacted names %v", got)
	}
	if got := missing.Names(); len(got) != 1 || got[0] != "Redis.Password" {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestLoadReportsMalformedValues(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "ful-dev",
		"API_SERVER_READ_TIMEOUT": "fifteen",
		"API_REDIS_DB":            "two",
		"API_POSTGRES_MIGRATE":    "maybe",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	want := []string{"API_SERVER_READ_TIMEOUT", "API_POSTGRES_MIGRATE", "API_REDIS_DB"}
	if !slices.Equal(validation.Fields(), want) {
		t.Fatalf("expected fields %v, got %v", want, validation.Fields())
	}
}
