package specimen

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteRepo stores each specimen as a JSON document with its identity
// columns indexed. It serves single-node deployments (STORE=sqlite).
type SQLiteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens (or creates) the database at path.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	if path == "" {
		path = "lis.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; the version check still guards
	// against lost updates between read and write.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS specimens (
			id TEXT PRIMARY KEY,
			specimen_id TEXT NOT NULL UNIQUE,
			barcode TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			doc BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_specimens_status ON specimens(status);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create specimens table: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Close() error { return r.db.Close() }

// Ping reports whether the database is reachable.
func (r *SQLiteRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *SQLiteRepo) Create(ctx context.Context, sp *Specimen) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	doc := sp.Clone()
	doc.Version = 1
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode specimen: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO specimens (id, specimen_id, barcode, status, created_at, version, doc)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		sp.ID.String(), sp.SpecimenID, sp.Barcode, string(sp.Status), sp.CreatedAt.UnixNano(), payload)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateIdentity, sp.SpecimenID, sp.Barcode)
	}
	if err != nil {
		return fmt.Errorf("insert specimen: %w", err)
	}
	sp.Version = 1
	return nil
}

func (r *SQLiteRepo) getOne(ctx context.Context, column, value string) (*Specimen, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM specimens WHERE `+column+` = ?`, value).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, column, value)
	}
	if err != nil {
		return nil, fmt.Errorf("select specimen: %w", err)
	}
	return decodeDoc(payload)
}

func decodeDoc(payload []byte) (*Specimen, error) {
	var sp Specimen
	if err := json.Unmarshal(payload, &sp); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrCorrupted, err)
	}
	sp.normalizeArrays()
	return &sp, nil
}

func (r *SQLiteRepo) GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	return r.getOne(ctx, "id", id.String())
}

func (r *SQLiteRepo) GetBySpecimenID(ctx context.Context, specimenID string) (*Specimen, error) {
	return r.getOne(ctx, "specimen_id", specimenID)
}

func (r *SQLiteRepo) GetByBarcode(ctx context.Context, barcode string) (*Specimen, error) {
	return r.getOne(ctx, "barcode", barcode)
}

func (r *SQLiteRepo) Update(ctx context.Context, sp *Specimen, expectedVersion int) error {
	doc := sp.Clone()
	doc.Version = expectedVersion + 1
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode specimen: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE specimens SET status = ?, version = ?, doc = ?
		WHERE id = ? AND version = ?`,
		string(sp.Status), doc.Version, payload, sp.ID.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("update specimen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update specimen: %w", err)
	}
	if n == 0 {
		var current int
		err := r.db.QueryRowContext(ctx, `SELECT version FROM specimens WHERE id = ?`, sp.ID.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %s", ErrNotFound, sp.ID)
		}
		if err != nil {
			return fmt.Errorf("check specimen version: %w", err)
		}
		return fmt.Errorf("%w: %s at version %d, expected %d",
			ErrConcurrentModification, sp.SpecimenID, current, expectedVersion)
	}
	sp.Version = doc.Version
	return nil
}

func (r *SQLiteRepo) IdentityTaken(ctx context.Context, specimenID, barcode string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM specimens
		WHERE (? <> '' AND specimen_id = ?) OR (? <> '' AND barcode = ?)`,
		specimenID, specimenID, barcode, barcode).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return n > 0, nil
}

// load decodes the documents selected by where. Queries beyond identity
// lookups run in Go over the decoded set.
func (r *SQLiteRepo) load(ctx context.Context, where string, args ...interface{}) ([]*Specimen, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM specimens`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select specimens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Specimen
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		sp, err := decodeDoc(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) Find(ctx context.Context, f Filters) ([]*Specimen, int, error) {
	where, args := "", []interface{}{}
	if f.Status != "" {
		where, args = ` WHERE status = ?`, append(args, string(f.Status))
	}
	all, err := r.load(ctx, where, args...)
	if err != nil {
		return nil, 0, err
	}
	items, total := FilterSpecimens(all, f)
	return items, total, nil
}

func (r *SQLiteRepo) PendingQueue(ctx context.Context, limit int) ([]*Specimen, error) {
	all, err := r.load(ctx, ` WHERE status IN ('pending', 'collected')`)
	if err != nil {
		return nil, err
	}
	return BuildQueue(all, limit), nil
}

func (r *SQLiteRepo) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM specimens GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := EmptyStatusCounts()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepo) CollectionStats(ctx context.Context, dr *DateRange) (*CollectionStats, error) {
	var (
		conds []string
		args  []interface{}
	)
	if dr != nil && dr.From != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, dr.From.UnixNano())
	}
	if dr != nil && dr.To != nil {
		conds = append(conds, `created_at <= ?`)
		args = append(args, dr.To.UnixNano())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	all, err := r.load(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return ComputeStats(all, dr), nil
}

func (r *SQLiteRepo) ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Specimen, error) {
	all, err := r.load(ctx, ` WHERE status IN ('pending', 'collected', 'in_receipt', 'processing')`)
	if err != nil {
		return nil, err
	}
	return pastExpiry(all, now, limit), nil
}
