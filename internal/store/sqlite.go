package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS media (
	id            TEXT PRIMARY KEY,
	content_hash  TEXT UNIQUE,
	storage_key   TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	embedding     BLOB,
	cluster_id    INTEGER,
	liked         INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	processed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_media_status ON media(status);
CREATE INDEX IF NOT EXISTS idx_media_created ON media(created_at);
CREATE INDEX IF NOT EXISTS idx_media_cluster ON media(cluster_id);

CREATE TABLE IF NOT EXISTS clusters (
	id           INTEGER PRIMARY KEY,
	cluster_type TEXT NOT NULL DEFAULT 'general',
	label        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	member_ids   TEXT NOT NULL DEFAULT '[]',
	member_count INTEGER NOT NULL DEFAULT 0,
	centroid     BLOB,
	updated_at   INTEGER NOT NULL
);
`

const mediaColumns = `id, content_hash, storage_key, filename, content_type, size, width, height,
	status, error_message, metadata, embedding, cluster_id, liked, created_at, processed_at`

const clusterColumns = `id, cluster_type, label, description, member_ids, member_count, centroid, updated_at`

// SQLiteStore is the single-node RecordStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
	dims int
	now  func() time.Time
}

var _ RecordStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path. An empty path gives
// an in-memory database.
func NewSQLiteStore(path string, dims int) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("sqlite_store_opened", slog.String("path", path), slog.Int("dims", dims))
	return &SQLiteStore{db: db, path: path, dims: dims, now: time.Now}, nil
}

// nullString maps "" to NULL so the UNIQUE constraint ignores unset hashes.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) CreateMedia(ctx context.Context, rec *media.Record) error {
	if err := checkDimension(rec.Embedding, s.dims); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	var clusterID sql.NullInt64
	if rec.ClusterID != nil {
		clusterID = sql.NullInt64{Int64: int64(*rec.ClusterID), Valid: true}
	}
	var processed sql.NullInt64
	if rec.ProcessedAt != nil {
		processed = sql.NullInt64{Int64: toNanos(*rec.ProcessedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO media (`+mediaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullString(rec.ContentHash), rec.StorageKey, rec.Filename, rec.ContentType, rec.Size,
		rec.Width, rec.Height, string(rec.Status), rec.ErrorMessage, meta, encodeVector(rec.Embedding),
		clusterID, rec.Liked, toNanos(rec.CreatedAt), processed)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return conflict("media", rec.ID)
		}
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to insert media", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMedia(row rowScanner) (*media.Record, error) {
	var (
		rec       media.Record
		hash      sql.NullString
		status    string
		meta      []byte
		embedding []byte
		clusterID sql.NullInt64
		created   int64
		processed sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &hash, &rec.StorageKey, &rec.Filename, &rec.ContentType, &rec.Size,
		&rec.Width, &rec.Height, &status, &rec.ErrorMessage, &meta, &embedding, &clusterID,
		&rec.Liked, &created, &processed); err != nil {
		return nil, err
	}
	rec.ContentHash = hash.String
	rec.Status = media.Status(status)
	var err error
	if rec.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if rec.Embedding, err = decodeVector(embedding); err != nil {
		return nil, err
	}
	if clusterID.Valid {
		rec.ClusterID = media.Ptr(int(clusterID.Int64))
	}
	rec.CreatedAt = fromNanos(created)
	if processed.Valid {
		rec.ProcessedAt = media.Ptr(fromNanos(processed.Int64))
	}
	return &rec, nil
}

func (s *SQLiteStore) getMediaWhere(ctx context.Context, column, value, kind string) (*media.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE `+column+` = ?`, value)
	rec, err := scanSQLiteMedia(row)
	if err == sql.ErrNoRows {
		return nil, notFound(kind, value)
	}
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read media", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetMedia(ctx context.Context, id string) (*media.Record, error) {
	return s.getMediaWhere(ctx, "id", id, "media")
}

func (s *SQLiteStore) GetMediaByHash(ctx context.Context, hash string) (*media.Record, error) {
	return s.getMediaWhere(ctx, "content_hash", hash, "content_hash")
}

// updateClauses turns u into SET fragments and arguments.
func updateClauses(u media.Update, placeholder func(int) string, vector func([]float32) any, ts func(time.Time) any) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+placeholder(len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Width != nil {
		add("width", *u.Width)
	}
	if u.Height != nil {
		add("height", *u.Height)
	}
	if u.Metadata != nil {
		meta, err := encodeMetadata(*u.Metadata)
		if err != nil {
			return nil, nil, err
		}
		add("metadata", meta)
	}
	if u.Embedding != nil {
		add("embedding", vector(u.Embedding))
	}
	if u.ClearEmbedding {
		sets = append(sets, "embedding = NULL")
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.ProcessedAt != nil {
		add("processed_at", ts(*u.ProcessedAt))
	}
	if u.Liked != nil {
		add("liked", *u.Liked)
	}
	return sets, args, nil
}

func (s *SQLiteStore) UpdateMedia(ctx context.Context, id string, u media.Update) error {
	if err := checkDimension(u.Embedding, s.dims); err != nil {
		return err
	}
	sets, args, err := updateClauses(u,
		func(int) string { return "?" },
		func(v []float32) any { return encodeVector(v) },
		func(t time.Time) any { return toNanos(t) })
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		_, err := s.GetMedia(ctx, id)
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE media SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to update media", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("media", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteMedia(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to delete media", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("media", id)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, member_ids FROM clusters WHERE member_ids LIKE ?`, `%"`+id+`"%`)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read clusters", err)
	}
	type change struct {
		id      int
		members []string
	}
	var changes []change
	for rows.Next() {
		var cid int
		var raw []byte
		if err := rows.Scan(&cid, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		members, err := decodeMembers(raw)
		if err != nil {
			_ = rows.Close()
			return err
		}
		c := media.Cluster{ID: cid, MemberIDs: members}
		if c.RemoveMember(id) {
			changes = append(changes, change{id: cid, members: c.MemberIDs})
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, ch := range changes {
		enc, err := encodeMembers(ch.members)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE clusters SET member_ids = ?, member_count = ?, updated_at = ? WHERE id = ?`,
			enc, len(ch.members), toNanos(s.now()), ch.id); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to update cluster members", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMedia(ctx context.Context, f media.Filter) ([]*media.Record, error) {
	var where []string
	var args []any
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Liked != nil {
		where = append(where, "liked = ?")
		args = append(args, *f.Liked)
	}
	q := `SELECT ` + mediaColumns + ` FROM media`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	} else if f.Offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list media", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*media.Record{}
	for rows.Next() {
		rec, err := scanSQLiteMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEmbeddings(ctx context.Context) ([]media.Embedded, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, embedding FROM media
		WHERE status = ? AND embedding IS NOT NULL
		ORDER BY created_at ASC, id ASC`, string(media.StatusIndexed))
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	out := []media.Embedded{}
	for rows.Next() {
		var e media.Embedded
		var created int64
		var blob []byte
		if err := rows.Scan(&e.ID, &created, &blob); err != nil {
			return nil, err
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		if len(e.Vector) == 0 {
			continue
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyClustering(ctx context.Context, run media.ClusterRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	indexed, err := sqliteIndexedIDs(ctx, tx)
	if err != nil {
		return err
	}
	run = pruneRun(run, indexed)

	now := toNanos(s.now())
	keep := make([]any, 0, len(run.Clusters))
	for _, c := range run.Clusters {
		members, err := encodeMembers(c.MemberIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO clusters (`+clusterColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				cluster_type = CASE WHEN ? = '' THEN clusters.cluster_type ELSE excluded.cluster_type END,
				label        = CASE WHEN excluded.label = '' THEN clusters.label ELSE excluded.label END,
				description  = CASE WHEN excluded.description = '' THEN clusters.description ELSE excluded.description END,
				member_ids   = excluded.member_ids,
				member_count = excluded.member_count,
				centroid     = excluded.centroid,
				updated_at   = excluded.updated_at`,
			c.ID, clusterType(c.Type), c.Label, c.Description, members, len(c.MemberIDs),
			encodeVector(c.Centroid), now, c.Type); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to upsert cluster", err)
		}
		keep = append(keep, c.ID)
	}

	del := `DELETE FROM clusters`
	if len(keep) > 0 {
		del += ` WHERE id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
	}
	if _, err := tx.ExecContext(ctx, del, keep...); err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to retire clusters", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE media SET cluster_id = NULL WHERE status = ?`,
		string(media.StatusIndexed)); err != nil {
		return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to reset assignments", err)
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE media SET cluster_id = ? WHERE id = ? AND status = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, id := range sortedKeys(run.Assignments) {
		label := run.Assignments[id]
		if label == media.NoiseLabel {
			continue
		}
		if _, err := stmt.ExecContext(ctx, label, id, string(media.StatusIndexed)); err != nil {
			return siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to assign cluster", err)
		}
	}
	return tx.Commit()
}

func sqliteIndexedIDs(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM media WHERE status = ?`, string(media.StatusIndexed))
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list indexed records", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanSQLiteCluster(row rowScanner) (*media.Cluster, error) {
	var (
		c        media.Cluster
		members  []byte
		centroid []byte
		updated  int64
	)
	if err := row.Scan(&c.ID, &c.Type, &c.Label, &c.Description, &members, &c.MemberCount, &centroid, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.MemberIDs, err = decodeMembers(members); err != nil {
		return nil, err
	}
	if c.Centroid, err = decodeVector(centroid); err != nil {
		return nil, err
	}
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id int) (*media.Cluster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanSQLiteCluster(row)
	if err == sql.ErrNoRows {
		return nil, notFound("cluster", itoa(id))
	}
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read cluster", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListClusters(ctx context.Context) ([]*media.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY id ASC`)
	if err != nil {
		return nil, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to list clusters", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*media.Cluster{}
	for rows.Next() {
		c, err := scanSQLiteCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (media.Stats, error) {
	st := media.Stats{ByStatus: make(map[media.Status]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), SUM(liked) FROM media GROUP BY status`)
	if err != nil {
		return st, siftErrors.New(siftErrors.ErrCodeStoreFailed, "failed to read stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n, liked int
		if err := rows.Scan(&status, &n, &liked); err != nil {
			return st, err
		}
		st.ByStatus[media.Status(status)] = n
		st.Total += n
		st.Liked += liked
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters`).Scan(&st.Clusters); err != nil {
		return st, err
	}
	return st, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
