package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sifworks.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("SIF_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of NNNN_name.up.sql migrations; with -seeds, replaces the embedded files")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds; with -migrations, replaces the embedded files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or SIF_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *migrationsPath != "" || *seedsPath != "" {
		opts = append(opts, migrate.WithFS(os.DirFS("."), *migrationsPath, *seedsPath))
	}
	mgr := migrate.NewManager(db, opts...)

	switch flag.Arg(0) {
	case "up":
		var n int
		if n, err = mgr.Up(ctx); err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		var n int
		if n, err = mgr.Seed(ctx); err == nil {
			fmt.Printf("applied %d seed(s)\n", n)
		}
	case "status":
		var states []migrate.Status
		states, err = mgr.Status(ctx)
		for _, st := range states {
			fmt.Println(st)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
