package specimen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type specimenRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &specimenRepoPG{pool: pool} }

// conn returns the site-scoped connection from the request context when one
// is present, so queries resolve against the site's schema.
func (r *specimenRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *specimenRepoPG) WorkerContext(ctx context.Context) (context.Context, func(), error) {
	return db.ForkSiteConn(ctx, r.pool)
}

const spCols = `id, specimen_id, barcode, order_ref, patient_ref, test_refs,
	specimen_type, container_type, volume, volume_unit, status, priority,
	collection_method, scheduled_collection_time, actual_collection_time, collected_by_ref, collection_notes,
	received_time, received_by_ref, processing_start_time, processing_end_time, processed_by_ref,
	quality_checks, storage_location, storage_temperature, storage_conditions, expiry_date,
	status_history, rejection_reason, rejected_by_ref, rejected_at,
	created_by_ref, last_modified_by_ref, created_at, updated_at, version`

const priorityRankSQL = `CASE priority WHEN 'critical' THEN 3 WHEN 'stat' THEN 2 WHEN 'urgent' THEN 1 ELSE 0 END`

const activeStatusSQL = `('pending', 'collected', 'in_receipt', 'processing')`

func (r *specimenRepoPG) scanSpecimen(row pgx.Row) (*Specimen, error) {
	var (
		sp                           Specimen
		spType, status, priority     string
		qualityChecks, statusHistory []byte
	)
	err := row.Scan(&sp.ID, &sp.SpecimenID, &sp.Barcode, &sp.OrderRef, &sp.PatientRef, &sp.TestRefs,
		&spType, &sp.ContainerType, &sp.Volume, &sp.VolumeUnit, &status, &priority,
		&sp.CollectionMethod, &sp.ScheduledCollectionTime, &sp.ActualCollectionTime, &sp.CollectedByRef, &sp.CollectionNotes,
		&sp.ReceivedTime, &sp.ReceivedByRef, &sp.ProcessingStartTime, &sp.ProcessingEndTime, &sp.ProcessedByRef,
		&qualityChecks, &sp.StorageLocation, &sp.StorageTemperature, &sp.StorageConditions, &sp.ExpiryDate,
		&statusHistory, &sp.RejectionReason, &sp.RejectedByRef, &sp.RejectedAt,
		&sp.CreatedByRef, &sp.LastModifiedByRef, &sp.CreatedAt, &sp.UpdatedAt, &sp.Version)
	if err != nil {
		return nil, err
	}
	sp.SpecimenType = Type(spType)
	sp.Status = Status(status)
	sp.Priority = Priority(priority)
	if err := json.Unmarshal(qualityChecks, &sp.QualityChecks); err != nil {
		return nil, fmt.Errorf("%w: decode quality_checks of %s: %v", ErrCorrupted, sp.SpecimenID, err)
	}
	if err := json.Unmarshal(statusHistory, &sp.StatusHistory); err != nil {
		return nil, fmt.Errorf("%w: decode status_history of %s: %v", ErrCorrupted, sp.SpecimenID, err)
	}
	sp.normalizeArrays()
	return &sp, nil
}

func (r *specimenRepoPG) scanOne(row pgx.Row, what string) (*Specimen, error) {
	sp, err := r.scanSpecimen(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return sp, err
}

func (r *specimenRepoPG) scanRows(rows pgx.Rows) ([]*Specimen, error) {
	defer rows.Close()
	items := []*Specimen{}
	for rows.Next() {
		sp, err := r.scanSpecimen(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sp)
	}
	return items, rows.Err()
}

func encodeLogs(sp *Specimen) (qc, history []byte, err error) {
	checks := sp.QualityChecks
	if checks == nil {
		checks = []QualityCheck{}
	}
	if qc, err = json.Marshal(checks); err != nil {
		return nil, nil, fmt.Errorf("encode quality_checks: %w", err)
	}
	if history, err = json.Marshal(sp.StatusHistory); err != nil {
		return nil, nil, fmt.Errorf("encode status_history: %w", err)
	}
	return qc, history, nil
}

func (r *specimenRepoPG) Create(ctx context.Context, sp *Specimen) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	qc, history, err := encodeLogs(sp)
	if err != nil {
		return err
	}
	testRefs := sp.TestRefs
	if testRefs == nil {
		testRefs = []string{}
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO specimen (id, specimen_id, barcode, order_ref, patient_ref, test_refs,
			specimen_type, container_type, volume, volume_unit, status, priority,
			collection_method, scheduled_collection_time, expiry_date,
			quality_checks, status_history,
			created_by_ref, last_modified_by_ref, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::jsonb,$17::jsonb,$18,$19,$20,$21,1)`,
		sp.ID, sp.SpecimenID, sp.Barcode, sp.OrderRef, sp.PatientRef, testRefs,
		string(sp.SpecimenType), sp.ContainerType, sp.Volume, sp.VolumeUnit, string(sp.Status), string(sp.Priority),
		sp.CollectionMethod, sp.ScheduledCollectionTime, sp.ExpiryDate,
		qc, history,
		sp.CreatedByRef, sp.LastModifiedByRef, sp.CreatedAt, sp.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, pgErr.ConstraintName)
		}
		return fmt.Errorf("insert specimen: %w", err)
	}
	sp.Version = 1
	return nil
}

func (r *specimenRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+spCols+` FROM specimen WHERE id = $1`, id), "id "+id.String())
}

func (r *specimenRepoPG) GetBySpecimenID(ctx context.Context, specimenID string) (*Specimen, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+spCols+` FROM specimen WHERE specimen_id = $1`, specimenID), "specimen_id "+specimenID)
}

func (r *specimenRepoPG) GetByBarcode(ctx context.Context, barcode string) (*Specimen, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+spCols+` FROM specimen WHERE barcode = $1`, barcode), "barcode "+barcode)
}

// Update writes every mutable column in one statement, conditional on the
// stored version. Identity columns are never written.
func (r *specimenRepoPG) Update(ctx context.Context, sp *Specimen, expectedVersion int) error {
	qc, history, err := encodeLogs(sp)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE specimen SET volume=$3, status=$4,
			actual_collection_time=$5, collected_by_ref=$6, collection_notes=$7,
			received_time=$8, received_by_ref=$9,
			processing_start_time=$10, processing_end_time=$11, processed_by_ref=$12,
			quality_checks=$13::jsonb,
			storage_location=$14, storage_temperature=$15, storage_conditions=$16, expiry_date=$17,
			status_history=$18::jsonb,
			rejection_reason=$19, rejected_by_ref=$20, rejected_at=$21,
			last_modified_by_ref=$22, updated_at=$23, version=version+1
		WHERE id = $1 AND version = $2`,
		sp.ID, expectedVersion, sp.Volume, string(sp.Status),
		sp.ActualCollectionTime, sp.CollectedByRef, sp.CollectionNotes,
		sp.ReceivedTime, sp.ReceivedByRef,
		sp.ProcessingStartTime, sp.ProcessingEndTime, sp.ProcessedByRef,
		qc,
		sp.StorageLocation, sp.StorageTemperature, sp.StorageConditions, sp.ExpiryDate,
		history,
		sp.RejectionReason, sp.RejectedByRef, sp.RejectedAt,
		sp.LastModifiedByRef, sp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update specimen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int
		err := r.conn(ctx).QueryRow(ctx, `SELECT version FROM specimen WHERE id = $1`, sp.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %s", ErrNotFound, sp.ID)
		}
		if err != nil {
			return fmt.Errorf("check specimen version: %w", err)
		}
		return fmt.Errorf("%w: %s at version %d, expected %d",
			ErrConcurrentModification, sp.SpecimenID, current, expectedVersion)
	}
	sp.Version = expectedVersion + 1
	return nil
}

func (r *specimenRepoPG) IdentityTaken(ctx context.Context, specimenID, barcode string) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM specimen
			WHERE ($1 <> '' AND specimen_id = $1) OR ($2 <> '' AND barcode = $2))`,
		specimenID, barcode).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return taken, nil
}

// whereClause renders f as SQL conditions. It mirrors Filters.Matches.
func whereClause(f Filters) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	idx := 1
	add := func(cond string, v interface{}) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}

	if f.Status != "" {
		add(`status = $%d`, string(f.Status))
	}
	if f.Priority != "" {
		add(`priority = $%d`, string(f.Priority))
	}
	if f.SpecimenType != "" {
		add(`specimen_type = $%d`, string(f.SpecimenType))
	}
	if f.PatientRef != "" {
		add(`patient_ref = $%d`, f.PatientRef)
	}
	if f.OrderRef != "" {
		add(`order_ref = $%d`, f.OrderRef)
	}
	if f.CollectedByRef != "" {
		add(`collected_by_ref = $%d`, f.CollectedByRef)
	}
	if f.From != nil {
		add(`created_at >= $%d`, *f.From)
	}
	if f.To != nil {
		add(`created_at <= $%d`, *f.To)
	}
	if f.Overdue {
		add(`status = 'pending' AND scheduled_collection_time < $%d`, f.Now)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		conds = append(conds, fmt.Sprintf(`(specimen_id ILIKE $%[1]d OR barcode ILIKE $%[1]d OR collection_notes ILIKE $%[1]d
			OR EXISTS (SELECT 1 FROM jsonb_array_elements(status_history) h WHERE h->>'notes' ILIKE $%[1]d))`, idx))
		args = append(args, pattern)
		idx++
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (r *specimenRepoPG) Find(ctx context.Context, f Filters) ([]*Specimen, int, error) {
	f = f.Normalize()
	where, args := whereClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM specimen`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count specimens: %w", err)
	}

	n := len(args)
	query := `SELECT ` + spCols + ` FROM specimen` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, specimen_id ASC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, f.PageSize, f.Offset())

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("find specimens: %w", err)
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *specimenRepoPG) PendingQueue(ctx context.Context, limit int) ([]*Specimen, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+spCols+` FROM specimen
		WHERE status IN ('pending', 'collected')
		ORDER BY `+priorityRankSQL+` DESC, scheduled_collection_time ASC NULLS LAST, created_at ASC, specimen_id ASC
		LIMIT $1`, ClampQueueLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("pending queue: %w", err)
	}
	return r.scanRows(rows)
}

func (r *specimenRepoPG) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM specimen GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	counts := EmptyStatusCounts()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *specimenRepoPG) CollectionStats(ctx context.Context, dr *DateRange) (*CollectionStats, error) {
	var (
		conds []string
		args  []interface{}
	)
	if dr != nil && dr.From != nil {
		args = append(args, *dr.From)
		conds = append(conds, fmt.Sprintf(`created_at >= $%d`, len(args)))
	}
	if dr != nil && dr.To != nil {
		args = append(args, *dr.To)
		conds = append(conds, fmt.Sprintf(`created_at <= $%d`, len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*),
			(AVG(EXTRACT(EPOCH FROM (processing_end_time - processing_start_time)) * 1000)
				FILTER (WHERE processing_start_time IS NOT NULL AND processing_end_time IS NOT NULL))::float8
		FROM specimen`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("collection stats: %w", err)
	}
	defer rows.Close()

	stats := &CollectionStats{PerStatus: []StatusStat{}}
	for rows.Next() {
		var (
			status string
			row    StatusStat
		)
		if err := rows.Scan(&status, &row.Count, &row.AvgProcessingTimeMs); err != nil {
			return nil, err
		}
		row.Status = Status(status)
		stats.TotalSamples += row.Count
		stats.PerStatus = append(stats.PerStatus, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortStatusStats(stats.PerStatus)
	return stats, nil
}

func (r *specimenRepoPG) ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Specimen, error) {
	if limit <= 0 {
		limit = DefaultSweepBatch
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+spCols+` FROM specimen
		WHERE status IN `+activeStatusSQL+` AND expiry_date < $1
		ORDER BY expiry_date ASC, specimen_id ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list past expiry: %w", err)
	}
	return r.scanRows(rows)
}
