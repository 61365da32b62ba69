package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

// postgresSchema is applied on open. %d is the embedding dimension.
const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS media (
	id            TEXT PRIMARY KEY,
	content_hash  TEXT UNIQUE,
	storage_key   TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	size          BIGINT NOT NULL DEFAULT 0,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	metadata      JSONB NOT NULL DEFAULT '{}',
	embedding     vector(%d),
	cluster_id    INTEGER,
	liked         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_media_status ON media(status);
CREATE INDEX IF NOT EXISTS idx_media_created ON media(created_at);
CREATE INDEX IF NOT EXISTS idx_media_embedding ON media USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS clusters (
	id           INTEGER PRIMARY KEY,
	cluster_type TEXT NOT NULL DEFAULT 'general',
	label        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	member_ids   JSONB NOT NULL DEFAULT '[]',
	member_count INTEGER NOT NULL DEFAULT 0,
	centroid     vector(%d),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// similarityQuery ranks indexed records by cosine similarity.
const similarityQuery = `SELECT id, created_at, 1 - (embedding <=> $1) AS similarity
	FROM media
	WHERE status = 'indexed' AND embedding IS NOT NULL AND 1 - (embedding <=> $1) > $2
	ORDER BY similarity DESC, created_at DESC, id ASC
	LIMIT $3`

// PostgresStore is a RecordStore on Postgres with pgvector. It also
// implements VectorSearcher.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

var (
	_ RecordStore    = (*PostgresStore)(nil)
	_ VectorSearcher = (*PostgresStore)(nil)
)

// NewPostgresStore connects, pings and applies the schema.
func NewPostgresStore(ctx context.Context, connString string, dims int, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to ping database", err).
			WithSuggestion("Check database.postgres_url")
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, dims, dims)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("postgres_store_opened", slog.Int("dims", dims), slog.Int("max_conns", int(cfg.MaxConns)))
	return &PostgresStore{pool: pool, dims: dims}, nil
}

// nullableVector maps a nil slice to SQL NULL.
func nullableVector(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func (s *PostgresStore) CreateMedia(ctx context.Context, rec *media.Record) error {
	if err := checkDimension(rec.Embedding, s.dims); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	var hash *string
	if rec.ContentHash != "" {
		hash = &rec.ContentHash
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO media (`+mediaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, hash, rec.StorageKey, rec.Filename, rec.ContentType, rec.Size, rec.Width, rec.Height,
		string(rec.Status), rec.ErrorMessage, meta, nullableVector(rec.Embedding), rec.ClusterID,
		rec.Liked, rec.CreatedAt, rec.ProcessedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return conflict("media", rec.ID)
		}
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to insert media", err)
	}
	return nil
}

func scanPostgresMedia(row pgx.Row) (*media.Record, error) {
	var (
		rec       media.Record
		hash      *string
		status    string
		meta      []byte
		embedding *pgvector.Vector
		clusterID *int32
	)
	if err := row.Scan(&rec.ID, &hash, &rec.StorageKey, &rec.Filename, &rec.ContentType, &rec.Size,
		&rec.Width, &rec.Height, &status, &rec.ErrorMessage, &meta, &embedding, &clusterID,
		&rec.Liked, &rec.CreatedAt, &rec.ProcessedAt); err != nil {
		return nil, err
	}
	if hash != nil {
		rec.ContentHash = *hash
	}
	rec.Status = media.Status(status)
	var err error
	if rec.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if embedding != nil {
		rec.Embedding = embedding.Slice()
	}
	if clusterID != nil {
		rec.ClusterID = media.Ptr(int(*clusterID))
	}
	return &rec, nil
}

func (s *PostgresStore) getMediaWhere(ctx context.Context, column, value, kind string) (*media.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE `+column+` = $1`, value)
	rec, err := scanPostgresMedia(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(kind, value)
	}
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read media", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, id string) (*media.Record, error) {
	return s.getMediaWhere(ctx, "id", id, "media")
}

func (s *PostgresStore) GetMediaByHash(ctx context.Context, hash string) (*media.Record, error) {
	return s.getMediaWhere(ctx, "content_hash", hash, "content_hash")
}

func (s *PostgresStore) UpdateMedia(ctx context.Context, id string, u media.Update) error {
	if err := checkDimension(u.Embedding, s.dims); err != nil {
		return err
	}
	sets, args, err := updateClauses(u,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(v []float32) any { return pgvector.NewVector(v) },
		func(t time.Time) any { return t })
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		_, err := s.GetMedia(ctx, id)
		return err
	}
	args = append(args, id)
	tag, err := s.pool.Exec(ctx, `UPDATE media SET `+strings.Join(sets, ", ")+
		` WHERE id = $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to update media", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("media", id)
	}
	return nil
}

func (s *PostgresStore) DeleteMedia(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM media WHERE id = $1`, id)
		if err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to delete media", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("media", id)
		}
		_, err = tx.Exec(ctx, `UPDATE clusters
			SET member_ids = member_ids - $1,
			    member_count = jsonb_array_length(member_ids - $1),
			    updated_at = NOW()
			WHERE member_ids ? $1`, id)
		if err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to update cluster members", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListMedia(ctx context.Context, f media.Filter) ([]*media.Record, error) {
	var where []string
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.Liked != nil {
		args = append(args, *f.Liked)
		where = append(where, "liked = $"+strconv.Itoa(len(args)))
	}
	q := `SELECT ` + mediaColumns + ` FROM media`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list media", err)
	}
	defer rows.Close()

	out := []*media.Record{}
	for rows.Next() {
		rec, err := scanPostgresMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEmbeddings(ctx context.Context) ([]media.Embedded, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, created_at, embedding FROM media
		WHERE status = 'indexed' AND embedding IS NOT NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list embeddings", err)
	}
	defer rows.Close()

	out := []media.Embedded{}
	for rows.Next() {
		var e media.Embedded
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.CreatedAt, &vec); err != nil {
			return nil, err
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SimilarTo ranks server side with the pgvector cosine distance operator.
func (s *PostgresStore) SimilarTo(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error) {
	if err := checkDimension(query, s.dims); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, similarityQuery, pgvector.NewVector(query), threshold, limit)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeSearchFailed, "vector search failed", err)
	}
	defer rows.Close()

	out := []Match{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.CreatedAt, &m.Similarity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyClustering(ctx context.Context, run media.ClusterRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// FOR SHARE holds off deletes of the rows the run is reconciled
		// against until commit.
		rows, err := tx.Query(ctx, `SELECT id FROM media WHERE status = 'indexed' FOR SHARE`)
		if err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list indexed records", err)
		}
		live, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list indexed records", err)
		}
		indexed := make(map[string]bool, len(live))
		for _, id := range live {
			indexed[id] = true
		}
		run = pruneRun(run, indexed)

		keep := make([]int32, 0, len(run.Clusters))
		for _, c := range run.Clusters {
			members, err := encodeMembers(c.MemberIDs)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO clusters (`+clusterColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
				ON CONFLICT (id) DO UPDATE SET
					cluster_type = CASE WHEN $8 = '' THEN clusters.cluster_type ELSE EXCLUDED.cluster_type END,
					label        = CASE WHEN EXCLUDED.label = '' THEN clusters.label ELSE EXCLUDED.label END,
					description  = CASE WHEN EXCLUDED.description = '' THEN clusters.description ELSE EXCLUDED.description END,
					member_ids   = EXCLUDED.member_ids,
					member_count = EXCLUDED.member_count,
					centroid     = EXCLUDED.centroid,
					updated_at   = EXCLUDED.updated_at`,
				c.ID, clusterType(c.Type), c.Label, c.Description, members, len(c.MemberIDs),
				nullableVector(c.Centroid), c.Type); err != nil {
				return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to upsert cluster", err)
			}
			keep = append(keep, int32(c.ID))
		}

		if _, err := tx.Exec(ctx, `DELETE FROM clusters WHERE NOT (id = ANY($1))`, keep); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to retire clusters", err)
		}

		ids := make([]string, 0, len(run.Assignments))
		labels := make([]int32, 0, len(run.Assignments))
		for _, id := range sortedKeys(run.Assignments) {
			if label := run.Assignments[id]; label != media.NoiseLabel {
				ids = append(ids, id)
				labels = append(labels, int32(label))
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE media SET cluster_id = NULL WHERE status = 'indexed'`); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to reset assignments", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE media m SET cluster_id = a.label
			FROM unnest($1::text[], $2::int[]) AS a(id, label)
			WHERE m.id = a.id AND m.status = 'indexed'`, ids, labels); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to assign clusters", err)
		}
		return nil
	})
}

func scanPostgresCluster(row pgx.Row) (*media.Cluster, error) {
	var (
		c        media.Cluster
		members  []byte
		centroid *pgvector.Vector
	)
	if err := row.Scan(&c.ID, &c.Type, &c.Label, &c.Description, &members, &c.MemberCount, &centroid, &c.UpdatedAt); err != nil {
		return nil, err
	}
	ids := []string{}
	if err := json.Unmarshal(members, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	c.MemberIDs = ids
	if centroid != nil {
		c.Centroid = centroid.Slice()
	}
	return &c, nil
}

func (s *PostgresStore) GetCluster(ctx context.Context, id int) (*media.Cluster, error) {
	c, err := scanPostgresCluster(s.pool.QueryRow(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("cluster", itoa(id))
	}
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read cluster", err)
	}
	return c, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context) ([]*media.Cluster, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY id ASC`)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list clusters", err)
	}
	defer rows.Close()

	out := []*media.Cluster{}
	for rows.Next() {
		c, err := scanPostgresCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (media.Stats, error) {
	st := media.Stats{ByStatus: make(map[media.Status]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*), COUNT(*) FILTER (WHERE liked) FROM media GROUP BY status`)
	if err != nil {
		return st, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n, liked int64
		if err := rows.Scan(&status, &n, &liked); err != nil {
			return st, err
		}
		st.ByStatus[media.Status(status)] = int(n)
		st.Total += int(n)
		st.Liked += int(liked)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM clusters`).Scan(&st.Clusters); err != nil {
		return st, err
	}
	return st, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
