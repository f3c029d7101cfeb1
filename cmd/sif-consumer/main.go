package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"sifworks.org/internal/consumer"
	"sifworks.org/internal/job"
	"sifworks.org/internal/payload"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	base := env("SIF_PROVIDER_URL", "http://localhost:8080")
	client, err := consumer.New(base, consumer.Config{
		ApplicationKey: env("SIF_DEMO_APPLICATION_KEY", "Sif3DemoApp"),
		SharedSecret:   env("SIF_DEMO_SHARED_SECRET", "SecretDem0"),
		SolutionID:     "smoke",
		InstanceID:     fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		ConsumerName:   "sif-consumer",
	}, consumer.WithRateLimit(10, 5))
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	envr, err := client.CreateEnvironment(ctx)
	if err != nil {
		log.Fatalf("create environment at %s: %v", base, err)
	}
	defer func() {
		if err := client.DeleteEnvironment(context.Background()); err != nil {
			log.Printf("delete environment: %v", err)
		}
	}()

	var scope consumer.Scope
	j, err := client.CreateJob(ctx, payload.ServiceName, scope, consumer.JobRequest{Description: "smoke", Timeout: time.Minute})
	if err != nil {
		log.Fatalf("create job: %v", err)
	}

	if _, err := client.CreateToPhase(ctx, payload.ServiceName, scope, j.ID, payload.PhaseXML, consumer.PhaseCall{
		Body: "<smoke><n>1</n></smoke>", ContentType: "application/xml", Accept: "application/xml",
	}); err != nil {
		log.Fatalf("create to xml phase: %v", err)
	}
	if _, err := client.CreateToPhase(ctx, payload.ServiceName, scope, j.ID, payload.PhaseDefault, consumer.PhaseCall{}); err != nil {
		log.Fatalf("create to default phase: %v", err)
	}
	if _, err := client.UpdateToPhase(ctx, payload.ServiceName, scope, j.ID, payload.PhaseDefault, consumer.PhaseCall{}); err != nil {
		log.Fatalf("update default phase: %v", err)
	}
	if _, err := client.CreateState(ctx, payload.ServiceName, scope, j.ID, payload.PhaseXML, job.PhaseCompleted, "smoke done"); err != nil {
		log.Fatalf("create state: %v", err)
	}

	got, err := client.Job(ctx, payload.ServiceName, scope, j.ID)
	if err != nil {
		log.Fatalf("retrieve job: %v", err)
	}
	for _, name := range []string{payload.PhaseDefault, payload.PhaseXML} {
		p, ok := got.Phase(name)
		if !ok {
			log.Fatalf("phase %s missing", name)
		}
		cur, ok := p.CurrentState()
		if !ok || cur.Type != job.PhaseCompleted {
			log.Fatalf("phase %s not completed: %+v", name, cur)
		}
	}

	if err := client.DeleteJob(ctx, payload.ServiceName, scope, j.ID); err != nil {
		log.Fatalf("delete job: %v", err)
	}

	fmt.Printf("sif provider smoke test passed: environment=%s job=%s state=%s\n", envr.ID, j.ID, got.State)
}
