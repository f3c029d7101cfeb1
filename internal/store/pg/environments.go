package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"sifworks.org/internal/environment"
	"sifworks.org/internal/sif"
)

var _ environment.Store = (*Store)(nil)

func (s *Store) ApplicationRegister(ctx context.Context, key string) (environment.ApplicationRegister, error) {
	var (
		reg   environment.ApplicationRegister
		zones []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select application_key, shared_secret, default_zone_id, zones
		from sif_application_registers
		where application_key = $1
	`, key).Scan(&reg.ApplicationKey, &reg.SharedSecret, &reg.DefaultZoneID, &zones)
	if errors.Is(err, sql.ErrNoRows) {
		return environment.ApplicationRegister{}, sif.Errorf(sif.ErrNotFound, "no application register for the given key")
	}
	if err != nil {
		return environment.ApplicationRegister{}, err
	}
	if reg.Zones, err = decodeZones(zones); err != nil {
		return environment.ApplicationRegister{}, err
	}
	return reg, nil
}

// PutApplicationRegister inserts or replaces a register.
func (s *Store) PutApplicationRegister(ctx context.Context, reg environment.ApplicationRegister) error {
	zones, err := encodeZones(reg.Zones)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sif_application_registers (application_key, shared_secret, default_zone_id, zones)
		values ($1, $2, $3, $4)
		on conflict (application_key) do update
		set shared_secret = excluded.shared_secret,
		    default_zone_id = excluded.default_zone_id,
		    zones = excluded.zones
	`, reg.ApplicationKey, reg.SharedSecret, reg.DefaultZoneID, zones)
	return err
}

const sessionColumns = `session_token, environment_id, application_key, solution_id, user_token, instance_id, created_at`

func scanSession(row scanner) (environment.Session, error) {
	var ses environment.Session
	err := row.Scan(&ses.SessionToken, &ses.EnvironmentID, &ses.Identity.ApplicationKey,
		&ses.Identity.SolutionID, &ses.Identity.UserToken, &ses.Identity.InstanceID, &ses.Created)
	return ses, err
}

func (s *Store) SessionByToken(ctx context.Context, token string) (environment.Session, error) {
	ses, err := scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sif_sessions where session_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return environment.Session{}, sif.Errorf(sif.ErrInvalidSession, "session is not valid")
	}
	return ses, err
}

func (s *Store) SessionByIdentity(ctx context.Context, id environment.Identity) (environment.Session, error) {
	ses, err := scanSession(s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sif_sessions
		where application_key = $1 and solution_id = $2 and user_token = $3 and instance_id = $4
	`, id.ApplicationKey, id.SolutionID, id.UserToken, id.InstanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return environment.Session{}, sif.Errorf(sif.ErrNotFound, "no session for application %q", id.ApplicationKey)
	}
	return ses, err
}

const environmentColumns = `e.id, e.session_token, e.application_key, e.solution_id, e.user_token, e.instance_id,
	e.consumer_name, e.authentication_method, e.default_zone_id, e.zones, e.created_at`

func scanEnvironment(row scanner) (*environment.Environment, error) {
	var (
		env   environment.Environment
		zones []byte
	)
	if err := row.Scan(&env.ID, &env.SessionToken, &env.Identity.ApplicationKey, &env.Identity.SolutionID,
		&env.Identity.UserToken, &env.Identity.InstanceID, &env.ConsumerName, &env.AuthenticationMethod,
		&env.DefaultZoneID, &zones, &env.Created); err != nil {
		return nil, err
	}
	var err error
	if env.Zones, err = decodeZones(zones); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) EnvironmentBySessionToken(ctx context.Context, token string) (*environment.Environment, error) {
	env, err := scanEnvironment(s.db.QueryRowContext(ctx, `
		select `+environmentColumns+`
		from sif_sessions s
		join sif_environments e on e.id = s.environment_id
		where s.session_token = $1
	`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sif.Errorf(sif.ErrInvalidSession, "session is not valid")
	}
	return env, err
}

func (s *Store) Environment(ctx context.Context, id uuid.UUID) (*environment.Environment, error) {
	env, err := scanEnvironment(s.db.QueryRowContext(ctx,
		`select `+environmentColumns+` from sif_environments e where e.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sif.Errorf(sif.ErrNotFound, "environment %s not found", id)
	}
	return env, err
}

func (s *Store) CreateEnvironment(ctx context.Context, env *environment.Environment, ses environment.Session) error {
	zones, err := encodeZones(env.Zones)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into sif_environments (id, session_token, application_key, solution_id, user_token, instance_id,
			consumer_name, authentication_method, default_zone_id, zones, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, env.ID, env.SessionToken, env.Identity.ApplicationKey, env.Identity.SolutionID, env.Identity.UserToken,
		env.Identity.InstanceID, env.ConsumerName, env.AuthenticationMethod, env.DefaultZoneID, zones,
		env.Created.UTC()); err != nil {
		if isUniqueViolation(err) {
			return sif.Errorf(sif.ErrAlreadyExists, "environment %s already exists", env.ID)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sif_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ses.SessionToken, ses.EnvironmentID, ses.Identity.ApplicationKey, ses.Identity.SolutionID,
		ses.Identity.UserToken, ses.Identity.InstanceID, ses.Created.UTC()); err != nil {
		if isUniqueViolation(err) {
			return sif.Errorf(sif.ErrAlreadyExists, "session already exists")
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from sif_sessions where environment_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from sif_environments where id = $1`, id)
	if err != nil {
		return err
	}
	if err := affected(res, "environment %s not found", id); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeZones(zones []environment.Zone) ([]byte, error) {
	if zones == nil {
		zones = []environment.Zone{}
	}
	data, err := json.Marshal(zones)
	if err != nil {
		return nil, fmt.Errorf("encode zones: %w", err)
	}
	return data, nil
}

func decodeZones(data []byte) ([]environment.Zone, error) {
	var zones []environment.Zone
	if len(data) == 0 {
		return zones, nil
	}
	if err := json.Unmarshal(data, &zones); err != nil {
		return nil, fmt.Errorf("decode zones: %w", err)
	}
	return zones, nil
}
