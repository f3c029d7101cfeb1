package pg

import (
	"context"

	"github.com/google/uuid"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/sif"
)

// Bindings is the binding repository view of a Store. Its method names clash
// with the job repository, so it is a separate type over the same pool.
type Bindings struct {
	s *Store
}

var _ functional.BindingRepository = Bindings{}

// Bindings returns the binding repository backed by s.
func (s *Store) Bindings() Bindings { return Bindings{s: s} }

func (b Bindings) Create(ctx context.Context, in functional.Binding) (functional.Binding, error) {
	out := in
	err := b.s.db.QueryRowContext(ctx, `
		insert into sif_job_bindings (ref_id, owner_id)
		values ($1, $2)
		returning id
	`, in.RefID, in.OwnerID).Scan(&out.ID)
	if isForeignKeyViolation(err) {
		return functional.Binding{}, sif.Errorf(sif.ErrNotFound, "job %s not found", in.RefID)
	}
	if err != nil {
		return functional.Binding{}, err
	}
	return out, nil
}

func (b Bindings) Delete(ctx context.Context, id int64) error {
	res, err := b.s.db.ExecContext(ctx, `delete from sif_job_bindings where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, "binding %d not found", id)
}

func (b Bindings) RetrieveByRefID(ctx context.Context, refID uuid.UUID) ([]functional.Binding, error) {
	return b.query(ctx, `select id, ref_id, owner_id from sif_job_bindings where ref_id = $1 order by id`, refID)
}

func (b Bindings) RetrieveByBinding(ctx context.Context, refID uuid.UUID, ownerID string) ([]functional.Binding, error) {
	return b.query(ctx, `
		select id, ref_id, owner_id from sif_job_bindings
		where ref_id = $1 and owner_id = $2
		order by id
	`, refID, ownerID)
}

func (b Bindings) query(ctx context.Context, q string, args ...any) ([]functional.Binding, error) {
	rows, err := b.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []functional.Binding
	for rows.Next() {
		var bd functional.Binding
		if err := rows.Scan(&bd.ID, &bd.RefID, &bd.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, bd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
