package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/job"
	"sifworks.org/internal/sif"
)

var _ functional.JobRepository = (*Store)(nil)

const jobColumns = `id, name, description, state, state_description, created_at, last_modified, timeout_seconds, phases`

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	phases, err := j.MarshalPhases()
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sif_jobs (`+jobColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.Name, j.Description, string(j.State), j.StateDescription,
		j.Created.UTC(), j.LastModified.UTC(), int64(j.Timeout/time.Second), phases)
	if isUniqueViolation(err) {
		return sif.Errorf(sif.ErrAlreadyExists, "job %s already exists", j.ID)
	}
	return err
}

func (s *Store) Retrieve(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from sif_jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sif.Errorf(sif.ErrNotFound, "job %s not found", id)
	}
	return j, err
}

func (s *Store) RetrieveAll(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `select `+jobColumns+` from sif_jobs order by created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) RetrieveByName(ctx context.Context, names ...string) ([]*job.Job, error) {
	if len(names) == 0 {
		return nil, nil
	}
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = n
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+jobColumns+`
		from sif_jobs
		where name in (`+strings.Join(marks, ", ")+`)
		order by created_at, id
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) Update(ctx context.Context, j *job.Job) error {
	phases, err := j.MarshalPhases()
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update sif_jobs
		set description = $2, state = $3, state_description = $4,
		    last_modified = $5, timeout_seconds = $6, phases = $7
		where id = $1
	`, j.ID, j.Description, string(j.State), j.StateDescription,
		j.LastModified.UTC(), int64(j.Timeout/time.Second), phases)
	if err != nil {
		return err
	}
	return affected(res, "job %s not found", j.ID)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `delete from sif_jobs where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, "job %s not found", id)
}

func (s *Store) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from sif_jobs where id = $1)`, id).Scan(&exists)
	return exists, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j       job.Job
		state   string
		timeout int64
		phases  []byte
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Description, &state, &j.StateDescription,
		&j.Created, &j.LastModified, &timeout, &phases); err != nil {
		return nil, err
	}
	j.State = job.StateType(state)
	j.Timeout = time.Duration(timeout) * time.Second
	if err := j.UnmarshalPhases(phases); err != nil {
		return nil, fmt.Errorf("decode phases of job %s: %w", j.ID, err)
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func affected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sif.Errorf(sif.ErrNotFound, format, args...)
	}
	return nil
}
