package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool tunes the database/sql connection pool. Zero fields keep the defaults.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

var defaultPool = Pool{MaxOpen: 20, MaxIdle: 10, MaxIdleTime: 5 * time.Minute, MaxLifetime: 30 * time.Minute}

// Open connects through the pgx stdlib driver and pings once.
func Open(ctx context.Context, databaseURL string, pools ...Pool) (*sql.DB, error) {
	pool := defaultPool
	if len(pools) > 0 {
		pool = pools[0].withDefaults()
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(pool.MaxIdleTime)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetMaxOpenConns(pool.MaxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func (p Pool) withDefaults() Pool {
	if p.MaxOpen <= 0 {
		p.MaxOpen = defaultPool.MaxOpen
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = defaultPool.MaxIdle
	}
	if p.MaxIdleTime <= 0 {
		p.MaxIdleTime = defaultPool.MaxIdleTime
	}
	if p.MaxLifetime <= 0 {
		p.MaxLifetime = defaultPool.MaxLifetime
	}
	return p
}
