package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"replenish/backend/internal/domain"
)

// Seed is the demo data a fresh backend starts with.
type Seed struct {
	Branches  []domain.Branch
	Templates []domain.Template
	Users     []domain.UserAccount
}

// DefaultSeed returns a factory, two retail branches, a weekly template and one account per
// role. Passwords come from SEED_ADMIN_PASSWORD and SEED_BRANCH_PASSWORD, with dev defaults.
// UsedDefaults reports whether either default was applied.
func DefaultSeed(now time.Time) (seed Seed, usedDefaults bool, err error) {
	adminPwd, adminDefault := envOr("SEED_ADMIN_PASSWORD", "admin123")
	branchPwd, branchDefault := envOr("SEED_BRANCH_PASSWORD", "branch123")

	seed.Branches = []domain.Branch{
		{ID: "fabrica", Name: "Fábrica Central", Kind: domain.BranchFactory},
		{ID: "sucursal-centro", Name: "Sucursal Centro", Kind: domain.BranchStore},
		{ID: "sucursal-norte", Name: "Sucursal Norte", Kind: domain.BranchStore},
	}
	seed.Templates = []domain.Template{{
		ID:   "tpl-semanal",
		Name: "Pedido semanal",
		Items: []domain.TemplateLine{
			{ProductID: "PAN-01", ProductName: "Pan de molde", Quantity: 20, Unit: "unidad"},
			{ProductID: "MED-01", ProductName: "Medialunas", Quantity: 12, Unit: "docena"},
			{ProductID: "TOR-01", ProductName: "Torta de chocolate", Quantity: 4, Unit: "unidad"},
		},
		DestinationBranchIDs: []string{"fabrica"},
		CreatedBy:            "admin",
		CreatedAt:            now,
	}}

	for _, u := range []struct {
		username string
		password string
		role     domain.Role
		branchID string
	}{
		{"admin", adminPwd, domain.RoleAdmin, ""},
		{"fabrica", branchPwd, domain.RoleFactory, "fabrica"},
		{"centro", branchPwd, domain.RoleBranch, "sucursal-centro"},
		{"norte", branchPwd, domain.RoleBranch, "sucursal-norte"},
		{"reparto", branchPwd, domain.RoleDelivery, ""},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return Seed{}, false, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		seed.Users = append(seed.Users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  u.branchID,
			Active:    true,
			CreatedAt: now,
		})
	}
	return seed, adminDefault || branchDefault, nil
}

// ApplySeed writes the seed into repo. Records that already exist are left alone, so it is
// safe to run on every start.
func ApplySeed(ctx context.Context, repo Repository, seed Seed) error {
	for _, b := range seed.Branches {
		if _, err := repo.GetBranch(ctx, b.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := repo.UpsertBranch(ctx, b); err != nil {
			return fmt.Errorf("seed branch %s: %w", b.ID, err)
		}
	}
	for _, tpl := range seed.Templates {
		if _, err := repo.CreateTemplate(ctx, tpl); err != nil && !errors.Is(err, ErrInvalidTransaction) {
			return fmt.Errorf("seed template %s: %w", tpl.ID, err)
		}
	}
	for _, user := range seed.Users {
		if err := repo.CreateUser(ctx, user); err != nil && !errors.Is(err, ErrInvalidTransaction) {
			return fmt.Errorf("seed user %s: %w", user.Username, err)
		}
	}
	return nil
}

func envOr(key, fallback string) (string, bool) {
	if v := os.Getenv(key); v != "" {
		return v, false
	}
	return fallback, true
}
