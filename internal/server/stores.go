package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ncrp/atmrisk/internal/config"
	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/health"
)

// Stores holds the backends selected by configuration. The server and the
// corpus CLI open them the same way.
type Stores struct {
	Events events.Store
	Corpus corpus.Store

	// DB is the event database when DATABASE_URL is set; nil otherwise.
	DB *sql.DB

	pool       *pgxpool.Pool
	clickhouse *events.ClickHouseStore
	redis      *redis.Client
	logger     *slog.Logger
}

// OpenStores connects the event store (Postgres, ClickHouse or in-memory),
// wraps it with retries and the optional Redis device cache, and opens the
// corpus store (pgx when a database URL is set, in-memory otherwise).
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Stores, err error) {
	st := &Stores{logger: logger}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	var base events.Store
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		st.DB = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		base = events.NewPostgresStore(db)
		logger.Info("using PostgreSQL event store", "url", maskDSN(cfg.DatabaseURL))

	case cfg.ClickHouseAddr != "":
		ch, err := events.OpenClickHouse(ctx, events.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			User:     cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, err
		}
		st.clickhouse = ch
		if err := ch.Migrate(ctx); err != nil {
			return nil, err
		}
		base = ch
		logger.Info("using ClickHouse event store", "addr", cfg.ClickHouseAddr, "database", cfg.ClickHouseDB)

	default:
		base = events.NewMemoryStore()
		logger.Warn("no event store configured, using empty in-memory store")
	}

	st.Events = events.NewRetryingStore(base, cfg.StoreRetryAttempts, cfg.StoreRetryDelay)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache is an optimization; a missing Redis only costs lookups.
			logger.Warn("redis unavailable, device cache disabled", "error", err)
			_ = client.Close()
		} else {
			st.redis = client
			st.Events = events.NewCachedStore(st.Events, client, cfg.DeviceCacheTTL, logger)
			logger.Info("device cache enabled", "ttl", cfg.DeviceCacheTTL)
		}
	}

	if cfg.CorpusDatabaseURL != "" {
		pool, err := corpus.NewPool(ctx, cfg.CorpusDatabaseURL)
		if err != nil {
			return nil, err
		}
		st.pool = pool
		st.Corpus = corpus.NewPostgresStore(pool)
		logger.Info("using PostgreSQL corpus store", "url", maskDSN(cfg.CorpusDatabaseURL))
	} else {
		st.Corpus = corpus.NewMemoryStore()
	}

	return st, nil
}

// RegisterHealth adds reachability checks for every opened backend.
func (st *Stores) RegisterHealth(r *health.Registry) {
	if p, ok := st.Events.(events.Pinger); ok {
		r.Register("event_store", health.Ping("event_store", p.Ping))
	}
	if st.pool != nil {
		r.Register("corpus_store", health.Ping("corpus_store", st.pool.Ping))
	}
}

// Close releases every connection. It is safe on a partially opened set.
func (st *Stores) Close() {
	if st.pool != nil {
		st.pool.Close()
	}
	if st.redis != nil {
		if err := st.redis.Close(); err != nil {
			st.logger.Error("redis close error", "error", err)
		}
	}
	if st.clickhouse != nil {
		if err := st.clickhouse.Close(); err != nil {
			st.logger.Error("clickhouse close error", "error", err)
		}
	}
	if st.DB != nil {
		if err := st.DB.Close(); err != nil {
			st.logger.Error("database close error", "error", err)
		} else {
			st.logger.Info("database connection closed")
		}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
