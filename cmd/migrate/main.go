package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/ids"
	"tenantauth.dev/internal/migrate"
	"tenantauth.dev/internal/rbac"
	"tenantauth.dev/internal/store/pg"
)

const systemTenant = "system"

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("AUTHD_PG_DSN"), "PostgreSQL DSN")
		email    = flag.String("email", "", "bootstrap: administrator email")
		password = flag.String("password", os.Getenv("AUTHD_BOOTSTRAP_PASSWORD"), "bootstrap: administrator password")
		clientID = flag.String("client", "admin-cli", "bootstrap: OAuth client id")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AUTHD_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending|bootstrap]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), pg.Seeds())

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "pending":
		var pending []string
		pending, err = mgr.Pending(ctx)
		if err == nil {
			for _, item := range pending {
				fmt.Println(item)
			}
		}
	case "bootstrap":
		err = bootstrap(ctx, store, *email, *password, *clientID)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// bootstrap creates the first administrator in the system tenant and a
// confidential client for them, printing the client secret once.
func bootstrap(ctx context.Context, store *pg.Store, email, password, clientID string) error {
	if email == "" || password == "" {
		return errors.New("-email and -password are required")
	}
	hash, err := credential.HashPassword(password)
	if err != nil {
		return err
	}
	userID := ids.New()
	if err := store.CreateUser(ctx, credential.User{ID: userID, Email: email, PasswordHash: hash}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if err := store.AddMembership(ctx, rbac.Membership{UserID: userID, TenantID: systemTenant, Roles: []string{"admin"}}); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	secret, err := ids.Secret(32)
	if err != nil {
		return err
	}
	err = store.CreateClient(ctx, auth.Client{
		ID:            clientID,
		Name:          "bootstrap",
		SecretHash:    auth.HashClientSecret(secret),
		AllowedGrants: []auth.GrantType{auth.GrantPassword, auth.GrantRefreshToken},
		FirstParty:    true,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	fmt.Printf("user_id=%s\nclient_id=%s\nclient_secret=%s\n", userID, clientID, secret)
	return nil
}
