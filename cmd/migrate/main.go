package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"draftline.io/internal/auth"
	"draftline.io/internal/config"
	"draftline.io/internal/migrate"
	"draftline.io/internal/store/pg"
	"draftline.io/migrations"
)

const usage = "usage: migrate [--dsn DSN] up|down|status|bootstrap-root|prune-tokens"

func main() {
	log.SetFlags(0)
	var (
		dsn       = pflag.String("dsn", os.Getenv("DRAFTLINE_DATABASE_DSN"), "PostgreSQL DSN")
		email     = pflag.String("email", os.Getenv("DRAFTLINE_ROOT_EMAIL"), "bootstrap-root: root account email")
		name      = pflag.String("name", "Root", "bootstrap-root: root account full name")
		olderThan = pflag.Duration("older-than", 720*time.Hour, "prune-tokens: delete tokens revoked or expired before now minus this")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or DRAFTLINE_DATABASE_DSN")
	}
	if len(pflag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolOptions{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.FS)

	switch cmd := pflag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNoMigrations) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history, pending []string
		history, err = mgr.Status(ctx)
		if err == nil {
			pending, err = mgr.Pending(ctx)
		}
		for _, item := range history {
			fmt.Println("applied", item)
		}
		for _, item := range pending {
			fmt.Println("pending", item)
		}
	case "bootstrap-root":
		err = bootstrapRoot(ctx, store, *email, *name)
	case "prune-tokens":
		var n int64
		cutoff := time.Now().UTC().Add(-*olderThan)
		n, err = store.RefreshTokens(ctx).PruneRevokedBefore(ctx, cutoff)
		if err == nil {
			fmt.Printf("pruned %d refresh tokens older than %s\n", n, cutoff.Format(time.RFC3339))
		}
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}

// bootstrapRoot creates the first Root account with the service's configured
// hasher and password policy. The password is read from
// DRAFTLINE_ROOT_PASSWORD; when unset a temporary one is printed once.
func bootstrapRoot(ctx context.Context, store auth.Store, email, name string) error {
	if email == "" {
		return errors.New("root email is required: --email or DRAFTLINE_ROOT_EMAIL")
	}
	cfg, err := config.Load(os.Getenv("DRAFTLINE_CONFIG"))
	if err != nil {
		return err
	}
	issuerCfg, err := cfg.IssuerConfig()
	if err != nil {
		return err
	}
	iss, err := auth.NewIssuer(issuerCfg)
	if err != nil {
		return err
	}
	hasher, err := auth.NewPasswordHasher(cfg.Auth.PasswordHash)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, iss,
		auth.WithVerifier(hasher),
		auth.WithPasswordPolicy(cfg.Auth.PasswordPolicy),
	)
	if err != nil {
		return err
	}
	created, err := auth.NewUserService(svc).BootstrapRoot(ctx, email, name, os.Getenv("DRAFTLINE_ROOT_PASSWORD"))
	if err != nil {
		return err
	}
	fmt.Println("created root", created.User.ID, created.User.Email)
	if created.TemporaryPassword != "" {
		fmt.Println("temporary password:", created.TemporaryPassword)
	}
	return nil
}
