package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/ids"
	"cwphosting.org/internal/migrate"
	"cwphosting.org/internal/obs"
	"cwphosting.org/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	obs.InitLogger(obs.LogConfig{Level: "info", Format: "console", Service: "cwp-migrate"})
	log := obs.Component("migrate")

	var (
		dsn           = flag.String("dsn", os.Getenv("CWP_PG_DSN"), "PostgreSQL DSN")
		adminEmail    = flag.String("admin-email", os.Getenv("CWP_ADMIN_EMAIL"), "Administrator created by seed when no accounts exist")
		adminPassword = flag.String("admin-password", os.Getenv("CWP_ADMIN_PASSWORD"), "Password of the seeded administrator")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or CWP_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, nil)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
		if err == nil && *adminEmail != "" {
			err = seedAdmin(ctx, db, *adminEmail, *adminPassword)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	log.Info().Str("command", cmd).Msg("done")
}

// seedAdmin creates the first administrator when the users table is empty.
func seedAdmin(ctx context.Context, db *sql.DB, email, password string) error {
	if password == "" {
		return errors.New("seed admin: password is required")
	}
	store := pg.New(db)
	// No tokens are issued while seeding, so the signing key is throwaway.
	codec, err := auth.NewCodec(ids.Token())
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store.Credentials(), store.RefreshTokens(), codec)
	if err != nil {
		return err
	}
	created, err := svc.Bootstrap(ctx, auth.NewAccount{Email: email, Password: password, FirstName: "Admin"})
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	l := obs.Component("migrate")
	l.Info().Str("email", email).Bool("created", created).Msg("administrator seed")
	return nil
}
