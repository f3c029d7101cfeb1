package functional

import (
	"context"
	"strings"

	"sifworks.org/internal/job"
)

// Definition describes one functional service: its names and the hooks the
// Service calls around the job lifecycle.
type Definition interface {
	// ServiceName is the plural name the service is registered and routed under.
	ServiceName() string
	// JobName is the singular name of the jobs the service owns.
	JobName() string
	// Configure adds phases to a newly created job.
	Configure(j *job.Job) error
	// JobShutdown releases whatever a job holds. A failure keeps the job.
	JobShutdown(ctx context.Context, j *job.Job) error
	// Startup runs for the lifetime of the service and returns once ctx is done.
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Base supplies the names and no-op hooks. Embed it in a definition and
// override what the service needs.
type Base struct {
	Plural   string
	Singular string
}

// PluralNames derives the job name by dropping a trailing "s" from the
// service name. Only correct for regular plurals; declare both names
// explicitly otherwise.
func PluralNames(serviceName string) Base {
	return Base{Plural: serviceName, Singular: strings.TrimSuffix(serviceName, "s")}
}

func (b Base) ServiceName() string { return b.Plural }

func (b Base) JobName() string { return b.Singular }

func (Base) Configure(*job.Job) error { return nil }

func (Base) JobShutdown(context.Context, *job.Job) error { return nil }

func (Base) Startup(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (Base) Shutdown(context.Context) error { return nil }
