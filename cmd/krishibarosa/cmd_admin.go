package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/auth"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

var (
	promoteUser string
	promoteRole string
)

// promoteCmd bootstraps the first administrator, who can then manage roles
// through the admin API.
var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Change a user's role",
	Long: `Change a user's role directly in the database. The user must have
signed in at least once.

Example usage:
  krishibarosa promote --user 5d5d6d8e-4a3b-4c2d-9e1f-0a1b2c3d4e5f
  krishibarosa promote --user 5d5d6d8e-4a3b-4c2d-9e1f-0a1b2c3d4e5f --role farmer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(promoteUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		role := store.Role(promoteRole)
		if !role.Valid() {
			return fmt.Errorf("invalid --role %q", promoteRole)
		}
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := db.SetUserRole(cmd.Context(), id, role)
		if err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		logger.Info("role updated", "user_id", u.ID, "role", u.Role)
		return nil
	},
}

var (
	tokenUser  string
	tokenEmail string
	tokenName  string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed access token for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(tokenUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		v := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
		token, err := v.Sign(auth.Principal{UserID: id, Email: tokenEmail, Name: tokenName}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, promoteCmd, tokenCmd)

	promoteCmd.Flags().StringVar(&promoteUser, "user", "", "user id")
	promoteCmd.Flags().StringVar(&promoteRole, "role", string(store.RoleAdmin), "role to assign: farmer or admin")
	_ = promoteCmd.MarkFlagRequired("user")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to use as the token subject")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "name claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
