// Command admin creates an admin account or resets the role and password of
// an existing one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/yecday/registration/internal/account"
	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/logger"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/repository"
)

func main() {
	var (
		email    = flag.String("email", "", "Admin email address")
		role     = flag.String("role", string(model.AdminRoleSuperAdmin), "Admin role: super_admin, admin_payment, admin_profile, admin_tcc")
		password = flag.String("password", "", "Password (defaults to $ADMIN_PASSWORD)")
	)
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("ADMIN_PASSWORD")
	}
	if *email == "" || *password == "" {
		fmt.Println("Usage: go run ./cmd/admin -email EMAIL -role ROLE [-password PASSWORD]")
		os.Exit(1)
	}

	if err := run(context.Background(), *email, *role, *password); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, email, roleStr, password string) error {
	role, err := model.AdminRoleFromString(roleStr)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Server.Environment)

	repo, db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	manager := account.NewManager(log, repo, rbac.FeatureFlags{ManagementMenu: cfg.Features.ManagementMenu})
	user, created, err := manager.Upsert(ctx, strings.ToLower(strings.TrimSpace(email)), role, password)
	if err != nil {
		return err
	}

	action := "Updated"
	if created {
		action = "Created"
	}
	fmt.Printf("%s admin %s (%s, id %s)\n", action, user.Email, user.Role, user.ID)
	return nil
}
