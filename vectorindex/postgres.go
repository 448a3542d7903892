package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/ragbench/database"
)

// PostgresIndex stores vectors in a pgvector table, one table per index name.
type PostgresIndex struct {
	pool      *pgxpool.Pool
	name      string
	table     string
	dimension int
}

func NewPostgresIndex(pool *pgxpool.Pool, name string, dimension int) (*PostgresIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if err := database.ValidateTableName(name); err != nil {
		return nil, err
	}
	return &PostgresIndex{
		pool:      pool,
		name:      name,
		table:     pgx.Identifier{name}.Sanitize(),
		dimension: dimension,
	}, nil
}

func (s *PostgresIndex) Upsert(ctx context.Context, vectors []Vector) (err error) {
	if len(vectors) == 0 {
		return nil
	}
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("vector id is empty")
		}
		if err := checkDimension(v.Values, s.dimension); err != nil {
			return fmt.Errorf("upsert %s: %w", v.ID, err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
	`, s.table)

	batch := &pgx.Batch{}
	for _, v := range vectors {
		md := v.Metadata
		if md == nil {
			md = map[string]string{}
		}
		batch.Queue(query, v.ID, pgvector.NewVector(v.Values), md)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range vectors {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("upsert %s: %w", vectors[i].ID, execErr)
		}
	}
	if err = results.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert batch: %w", err)
	}
	return nil
}

func (s *PostgresIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := checkDimension(vector, s.dimension); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if topK <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	efSearch := topK * 10
	if efSearch < 40 {
		efSearch = 40
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", efSearch)); err != nil {
		return nil, fmt.Errorf("set hnsw ef_search: %w", err)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT id, metadata, (embedding <=> $1) AS distance
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, s.table), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("query similar vectors: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var (
			m        Match
			distance float64
		)
		if scanErr := rows.Scan(&m.ID, &m.Metadata, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar vector: %w", scanErr)
		}
		m.Score = 1 - distance
		matches = append(matches, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return matches, nil
}

func (s *PostgresIndex) Describe(ctx context.Context) (Stats, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("count vectors: %w", err)
	}
	return Stats{TotalVectorCount: count, Dimension: s.dimension}, nil
}

func (s *PostgresIndex) Recreate(ctx context.Context) error {
	if err := database.DropVectorTable(ctx, s.pool, s.name); err != nil {
		return err
	}
	if err := database.CreateVectorTable(ctx, s.pool, s.name, s.dimension); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *PostgresIndex) Drop(ctx context.Context) error {
	return database.DropVectorTable(ctx, s.pool, s.name)
}

var (
	_ Index     = (*PostgresIndex)(nil)
	_ Lifecycle = (*PostgresIndex)(nil)
)
