// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	pgNotifyChannel = "slurmbridge_log"
	// pg_advisory_xact_lock key that serializes appends, so
	// offsets become visible in increasing order.
	pgAppendLockKey = 20001
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS slurmbridge_log (
		id bigserial PRIMARY KEY,
		topic text NOT NULL,
		key text NOT NULL,
		value bytea NOT NULL,
		created_at timestamp with time zone NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS slurmbridge_log_topic_id ON slurmbridge_log (topic, id)`,
	`CREATE TABLE IF NOT EXISTS slurmbridge_offsets (
		consumer_group text NOT NULL,
		topic text NOT NULL,
		committed bigint NOT NULL,
		PRIMARY KEY (consumer_group, topic)
	)`,
}

// PostgresLog is a Log stored in PostgreSQL. Appends send a NOTIFY
// so waiting consumers wake up without polling; PollInterval covers
// notifications lost while the listener reconnects.
type PostgresLog struct {
	db           *sqlx.DB
	listener     *pq.Listener
	logger       logrus.FieldLogger
	pollInterval time.Duration
	notify       notifier
	done         chan struct{}
}

// OpenPostgres connects, creates the tables if needed, and starts
// listening for notifications.
func OpenPostgres(ctx context.Context, cfg config.EventLogConfig, logger logrus.FieldLogger) (*PostgresLog, error) {
	dsn := cfg.PostgreSQL.String()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if cfg.ConnectionPool > 0 {
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	pl := &PostgresLog{
		db:           db,
		logger:       logger.WithField("EventLog", "postgresql"),
		pollInterval: cfg.PollInterval.Duration(),
		done:         make(chan struct{}),
	}
	if pl.pollInterval <= 0 {
		pl.pollInterval = 5 * time.Second
	}
	pl.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			pl.logger.WithError(err).Warn("listener problem")
		}
	})
	if err := pl.listener.Listen(pgNotifyChannel); err != nil {
		pl.listener.Close()
		db.Close()
		return nil, err
	}
	go pl.run()
	return pl, nil
}

func (pl *PostgresLog) run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-pl.done:
			return
		case <-ticker.C:
			pl.listener.Ping()
		case _, ok := <-pl.listener.Notify:
			if !ok {
				return
			}
			// A nil notification means the connection was
			// re-established and events may have been
			// missed. Either way, wake up the readers.
			pl.notify.broadcast()
		}
	}
}

// DB returns the underlying connection pool.
func (pl *PostgresLog) DB() *sqlx.DB {
	return pl.db
}

func (pl *PostgresLog) Append(ctx context.Context, topic, key string, value []byte) (int64, error) {
	tx, err := pl.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, pgAppendLockKey); err != nil {
		return 0, err
	}
	var offset int64
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO slurmbridge_log (topic, key, value) VALUES ($1, $2, $3) RETURNING id`,
		topic, key, value).Scan(&offset)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, topic); err != nil {
		return 0, err
	}
	return offset, tx.Commit()
}

func (pl *PostgresLog) Read(ctx context.Context, topic string, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var entries []Entry
	err := pl.db.SelectContext(ctx, &entries,
		`SELECT id, topic, key, value, created_at FROM slurmbridge_log
		 WHERE topic = $1 AND id > $2 ORDER BY id LIMIT $3`,
		topic, after, limit)
	return entries, err
}

func (pl *PostgresLog) Wait(ctx context.Context, topic string, after int64) error {
	for {
		wake := pl.notify.wait()
		var exists bool
		err := pl.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM slurmbridge_log WHERE topic = $1 AND id > $2)`,
			topic, after)
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			return err
		}
		if exists {
			return nil
		}
		timer := time.NewTimer(pl.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (pl *PostgresLog) Commit(ctx context.Context, group, topic string, offset int64) error {
	_, err := pl.db.ExecContext(ctx,
		`INSERT INTO slurmbridge_offsets (consumer_group, topic, committed) VALUES ($1, $2, $3)
		 ON CONFLICT (consumer_group, topic)
		 DO UPDATE SET committed = GREATEST(slurmbridge_offsets.committed, EXCLUDED.committed)`,
		group, topic, offset)
	return err
}

func (pl *PostgresLog) Committed(ctx context.Context, group, topic string) (int64, error) {
	var offsets []int64
	err := pl.db.SelectContext(ctx, &offsets,
		`SELECT committed FROM slurmbridge_offsets WHERE consumer_group = $1 AND topic = $2`,
		group, topic)
	if err != nil || len(offsets) == 0 {
		return 0, err
	}
	return offsets[0], nil
}

func (pl *PostgresLog) Close() error {
	close(pl.done)
	pl.listener.Close()
	return pl.db.Close()
}
