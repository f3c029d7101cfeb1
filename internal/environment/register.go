package environment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/ids"
	"sifworks.org/internal/sif"
)

// Register creates an environment and session for id, with zones copied from
// the application's register. When the identity already holds a session the
// existing environment is returned together with an error matching
// sif.ErrAlreadyExists.
func Register(ctx context.Context, store Store, id Identity, consumerName, authMethod string, now time.Time) (*Environment, error) {
	if strings.TrimSpace(id.ApplicationKey) == "" {
		return nil, sif.Errorf(sif.ErrInvalidArgument, "application key is required")
	}
	reg, err := store.ApplicationRegister(ctx, id.ApplicationKey)
	if err != nil {
		return nil, err
	}

	existing, err := store.SessionByIdentity(ctx, id)
	switch {
	case err == nil:
		env, err := store.Environment(ctx, existing.EnvironmentID)
		if err != nil {
			return nil, err
		}
		return env, sif.Errorf(sif.ErrAlreadyExists, "environment already exists for this application instance")
	case !errors.Is(err, sif.ErrNotFound):
		return nil, err
	}

	env := &Environment{
		ID:                   uuid.New(),
		SessionToken:         ids.New(),
		Identity:             id,
		ConsumerName:         consumerName,
		AuthenticationMethod: authMethod,
		DefaultZoneID:        reg.DefaultZoneID,
		Zones:                cloneZones(reg.Zones),
		Created:              now.UTC(),
	}
	session := Session{SessionToken: env.SessionToken, Identity: id, EnvironmentID: env.ID, Created: env.Created}
	if err := store.CreateEnvironment(ctx, env, session); err != nil {
		return nil, sif.Wrap(sif.ErrCreate, err, "create environment for application %q", id.ApplicationKey)
	}
	return env, nil
}
