package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load layers defaults, the TOML file at path (skipped when path is empty),
// a .env file in the working directory when present, and OPTL_* environment
// variables, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets operators inject DSNs and account addresses at
// deploy time. A set but unparsable variable is an error rather than being
// silently ignored.
func applyEnvOverrides(cfg *Config) error {
	e := &envErrors{}

	e.setStr(&cfg.Service.InstanceID, "OPTL_INSTANCE_ID")
	e.setStr(&cfg.Service.MetricsAddr, "OPTL_METRICS_ADDR")
	e.setStr(&cfg.Service.GRPCAddr, "OPTL_GRPC_ADDR")
	e.setStr(&cfg.Service.LogLevel, "OPTL_LOG_LEVEL")

	e.setStr(&cfg.Postgres.DSN, "OPTL_POSTGRES_DSN")
	e.setInt(&cfg.Postgres.MaxOpenConns, "OPTL_POSTGRES_MAX_OPEN_CONNS")
	e.setStr(&cfg.Postgres.MigrationsDir, "OPTL_MIGRATIONS_DIR")
	e.setBool(&cfg.Postgres.RunMigrations, "OPTL_RUN_MIGRATIONS")

	e.setStr(&cfg.NATS.URL, "OPTL_NATS_URL")
	e.setStr(&cfg.NATS.SubjectRoot, "OPTL_NATS_SUBJECT_ROOT")

	e.setInt(&cfg.Engine.PersistBatchSize, "OPTL_PERSIST_BATCH_SIZE")
	e.setDur(&cfg.Engine.PersistFlushTimeout, "OPTL_PERSIST_FLUSH_TIMEOUT")
	e.setInt64(&cfg.Engine.SnapshotInterval, "OPTL_SNAPSHOT_INTERVAL")
	e.setInt(&cfg.Engine.IdempotencyLRUCapacity, "OPTL_IDEMPOTENCY_LRU_CAPACITY")
	e.setDur(&cfg.Engine.ProjectionInterval, "OPTL_PROJECTION_INTERVAL")

	e.setStr(&cfg.Pool.MaxLiquidity, "OPTL_POOL_MAX_LIQUIDITY")
	e.setInt64(&cfg.Pool.InitialExpiry, "OPTL_POOL_INITIAL_EXPIRY")
	e.setStr(&cfg.Options.Strike, "OPTL_OPTIONS_STRIKE")

	e.setStr(&cfg.Accounts.Admin, "OPTL_ACCOUNT_ADMIN")
	e.setStr(&cfg.Accounts.Pool, "OPTL_ACCOUNT_POOL")
	e.setStr(&cfg.Accounts.American, "OPTL_ACCOUNT_AMERICAN")
	e.setStr(&cfg.Accounts.European, "OPTL_ACCOUNT_EUROPEAN")
	e.setStr(&cfg.Accounts.SettlementFeeRecipient, "OPTL_ACCOUNT_SETTLEMENT_FEE_RECIPIENT")

	return errors.Join(e.errs...)
}

type envErrors struct {
	errs []error
}

func (e *envErrors) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envErrors) setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envErrors) setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envErrors) setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envErrors) setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envErrors) setDur(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}
