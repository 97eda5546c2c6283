package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/shared/postgresql"
)

// Postgres is the durable Store backed by the jobs table.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a Postgres-backed job store.
func NewPostgres(pg *postgresql.Client) *Postgres {
	return &Postgres{db: pg.GetDB()}
}

const jobColumns = `
	job_id, owner, status, input_ref, output_ref, progress, credit_cost,
	options, error_kind, error_message, error_hint, created_at, updated_at
`

type jobRow struct {
	JobID        string         `db:"job_id"`
	Owner        string         `db:"owner"`
	Status       string         `db:"status"`
	InputRef     string         `db:"input_ref"`
	OutputRef    sql.NullString `db:"output_ref"`
	Progress     int            `db:"progress"`
	CreditCost   int            `db:"credit_cost"`
	Options      []byte         `db:"options"`
	ErrorKind    sql.NullString `db:"error_kind"`
	ErrorMessage sql.NullString `db:"error_message"`
	ErrorHint    sql.NullString `db:"error_hint"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	j := &domain.Job{
		ID:         r.JobID,
		Owner:      r.Owner,
		Status:     domain.JobStatus(r.Status),
		InputRef:   r.InputRef,
		Progress:   r.Progress,
		CreditCost: r.CreditCost,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Options) > 0 {
		_ = json.Unmarshal(r.Options, &j.Options)
	}
	if r.OutputRef.Valid {
		j.OutputRef = r.OutputRef.String
	}
	if r.ErrorKind.Valid {
		j.Error = &domain.Error{
			Kind:     domain.ErrorKind(r.ErrorKind.String),
			Message:  r.ErrorMessage.String,
			UserHint: r.ErrorHint.String,
		}
	}
	return j
}

// Create implements Store.
func (p *Postgres) Create(ctx context.Context, job *domain.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, owner, status, input_ref, progress, credit_cost,
			options, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		job.ID, job.Owner, job.Status, job.InputRef,
		job.Progress, job.CreditCost, opts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toDomain(), nil
}

// ListByOwner implements Store. Fetches one extra row beyond PageSize so
// the caller can detect whether a next page exists.
func (p *Postgres) ListByOwner(ctx context.Context, owner string, f Filter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner = $1`
	args := []interface{}{owner}
	argIdx := 2

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}

	if f.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, f.Cursor.CreatedAt, f.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	if f.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.PageSize+1)
	}

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]domain.Job, len(rows))
	for i := range rows {
		out[i] = *rows[i].toDomain()
	}
	return out, nil
}

// CompareAndSwapStatus implements Store. The status predicate in the WHERE
// clause is the linearization point: the first transition to commit wins
// and the loser sees zero rows.
func (p *Postgres) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.JobStatus, upd *StatusUpdate) (*domain.Job, error) {
	if !domain.CanTransition(expected, next) {
		return nil, domain.ErrTransitionConflict
	}

	var outputRef, errKind, errMsg, errHint sql.NullString
	progress := 0
	if upd != nil {
		if upd.OutputRef != "" {
			outputRef = sql.NullString{String: upd.OutputRef, Valid: true}
		}
		if upd.Error != nil {
			errKind = sql.NullString{String: string(upd.Error.Kind), Valid: true}
			errMsg = sql.NullString{String: upd.Error.Message, Valid: true}
			errHint = sql.NullString{String: upd.Error.UserHint, Valid: true}
		}
		progress = upd.Progress
	}

	var row jobRow
	err := p.db.GetContext(ctx, &row, `
		UPDATE jobs
		SET status = $1,
		    output_ref = COALESCE($2, output_ref),
		    error_kind = COALESCE($3, error_kind),
		    error_message = COALESCE($4, error_message),
		    error_hint = COALESCE($5, error_hint),
		    progress = GREATEST(progress, $6),
		    updated_at = NOW()
		WHERE job_id = $7 AND status = $8
		RETURNING `+jobColumns+`
	`, next, outputRef, errKind, errMsg, errHint, progress, id, expected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a lost race from a missing job.
			if _, getErr := p.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrTransitionConflict
		}
		return nil, fmt.Errorf("cas job status: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateProgress implements Store. GREATEST keeps progress monotone and
// the status predicate stops writes after a terminal transition.
func (p *Postgres) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $1), updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`, progress, id, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTransitionConflict
	}
	return nil
}

// OldestPending implements Store.
func (p *Postgres) OldestPending(ctx context.Context, limit int) ([]domain.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, job_id ASC
		LIMIT $2
	`, domain.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	out := make([]domain.Job, len(rows))
	for i := range rows {
		out[i] = *rows[i].toDomain()
	}
	return out, nil
}

// CountByStatus implements Store.
func (p *Postgres) CountByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, status)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// StaleProcessing implements Store.
func (p *Postgres) StaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
	`, domain.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	out := make([]domain.Job, len(rows))
	for i := range rows {
		out[i] = *rows[i].toDomain()
	}
	return out, nil
}
