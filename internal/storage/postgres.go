package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS protocols (
	id   TEXT PRIMARY KEY,
	body JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS probe_status (
	protocol_id TEXT PRIMARY KEY,
	body        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS subscribers (
	user_id  BIGINT PRIMARY KEY,
	added_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS region_status (
	region      TEXT NOT NULL,
	protocol_id TEXT NOT NULL,
	body        JSONB NOT NULL,
	PRIMARY KEY (region, protocol_id)
);
`

// PostgresStorage 实现了 Store 接口，每个集合存放在独立的表中。
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to dsn and creates the tables if needed.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	l := logger.WithComponent("Storage/Postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		l.Error().Err(err).Msg("Failed to ping database.")
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	l.Info().Msg("Successfully connected to postgres database.")
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// replaceAll runs fn inside a transaction that first truncates table.
func (s *PostgresStorage) replaceAll(ctx context.Context, table string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStorage) LoadProtocols(ctx context.Context) ([]*types.ProtocolDescriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM protocols ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query protocols: %w", err)
	}
	defer rows.Close()

	var out []*types.ProtocolDescriptor
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan protocol: %w", err)
		}
		var d types.ProtocolDescriptor
		if err := json.Unmarshal(body, &d); err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable protocol row.")
			continue
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveProtocols(ctx context.Context, protocols []*types.ProtocolDescriptor) error {
	return s.replaceAll(ctx, "protocols", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range protocols {
			body, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal protocol %s: %w", p.ID, err)
			}
			batch.Queue(`INSERT INTO protocols (id, body) VALUES ($1, $2)`, p.ID, body)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStorage) LoadHistory(ctx context.Context) (map[string]types.ProbeResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT protocol_id, body FROM probe_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.ProbeResult)
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan probe status: %w", err)
		}
		var r types.ProbeResult
		if err := json.Unmarshal(body, &r); err != nil {
			logger.Warn().Err(err).Str("protocol_id", id).Msg("Skipping undecodable status row.")
			continue
		}
		out[id] = r
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveHistory(ctx context.Context, results map[string]types.ProbeResult) error {
	return s.replaceAll(ctx, "probe_status", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for id, r := range results {
			body, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal result for %s: %w", id, err)
			}
			batch.Queue(`INSERT INTO probe_status (protocol_id, body) VALUES ($1, $2)`, id, body)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStorage) LoadSubscribers(ctx context.Context) ([]types.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, added_at FROM subscribers ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var out []types.Subscriber
	for rows.Next() {
		var sub types.Subscriber
		if err := rows.Scan(&sub.UserID, &sub.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveSubscribers(ctx context.Context, subscribers []types.Subscriber) error {
	return s.replaceAll(ctx, "subscribers", func(tx pgx.Tx) error {
		rows := make([][]interface{}, 0, len(subscribers))
		for _, sub := range subscribers {
			rows = append(rows, []interface{}{sub.UserID, sub.AddedAt})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"subscribers"}, []string{"user_id", "added_at"}, pgx.CopyFromRows(rows))
		return err
	})
}

func (s *PostgresStorage) LoadRegions(ctx context.Context) (map[string]map[string]types.ProbeResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT region, protocol_id, body FROM region_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query region status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]types.ProbeResult)
	for rows.Next() {
		var (
			region, id string
			body       []byte
		)
		if err := rows.Scan(&region, &id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan region status: %w", err)
		}
		var r types.ProbeResult
		if err := json.Unmarshal(body, &r); err != nil {
			continue
		}
		if out[region] == nil {
			out[region] = make(map[string]types.ProbeResult)
		}
		out[region][id] = r
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveRegions(ctx context.Context, regions map[string]map[string]types.ProbeResult) error {
	return s.replaceAll(ctx, "region_status", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for region, results := range regions {
			for id, r := range results {
				body, err := json.Marshal(r)
				if err != nil {
					return err
				}
				batch.Queue(`INSERT INTO region_status (region, protocol_id, body) VALUES ($1, $2, $3)`, region, id, body)
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
