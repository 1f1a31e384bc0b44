package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr-auth/internal/config"
	"github.com/ehr/ehr-auth/internal/domain/authn"
	"github.com/ehr/ehr-auth/internal/domain/mfa"
	"github.com/ehr/ehr-auth/internal/domain/session"
	"github.com/ehr/ehr-auth/internal/platform/cache"
	"github.com/ehr/ehr-auth/internal/platform/db"
	"github.com/ehr/ehr-auth/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-auth",
		Short: "EHR session and authentication service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// maintenanceCmd runs the periodic cleanup jobs. They are meant to be driven
// by cron or a Kubernetes CronJob.
func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Session and MFA housekeeping",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sessions-cleanup",
		Short: "Mark elapsed sessions inactive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, mgr *session.Manager, _ *config.Config) error {
				n, err := mgr.CleanupExpiredSessions(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d session(s).\n", n)
				return nil
			})
		},
	})

	purgeCmd := &cobra.Command{
		Use:   "sessions-purge",
		Short: "Delete inactive sessions and token history past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withSessions(func(ctx context.Context, mgr *session.Manager, cfg *config.Config) error {
				if olderThan <= 0 {
					olderThan = cfg.SessionRetention
				}
				res, err := mgr.PurgeSessions(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d session(s) and %d history row(s) older than %s.\n", res.Sessions, res.History, olderThan)
				return nil
			})
		},
	}
	purgeCmd.Flags().Duration("older-than", 0, "Retention window (defaults to SESSION_RETENTION)")
	cmd.AddCommand(purgeCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "mfa-cleanup",
		Short: "Delete spent and expired verification codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := mfa.NewService(mfa.NewRepo(pool), db.NewTxManager(pool), nil, nil, mfaOptions(cfg), logger)
			n, err := svc.CleanupExpiredCodes(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d code(s).\n", n)
			return nil
		},
	})

	return cmd
}

func withSessions(fn func(ctx context.Context, mgr *session.Manager, cfg *config.Config) error) error {
	logger := newLogger(os.Getenv("ENV"))
	ctx := context.Background()
	cfg, pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Cleanup only touches Postgres; a memory store keeps the manager
	// from needing Redis here.
	store := cache.NewMemory(0)
	defer store.Close()

	mgr := session.NewManager(session.NewRepo(pool), db.NewTxManager(pool), store, sessionOptions(cfg), logger)
	defer mgr.Close()
	return fn(ctx, mgr, cfg)
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with a password",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			org, _ := cmd.Flags().GetString("org")
			roles, _ := cmd.Flags().GetString("roles")
			perms, _ := cmd.Flags().GetString("permissions")
			password, _ := cmd.Flags().GetString("password")
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if password == "" {
				password = os.Getenv("EHR_USER_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or EHR_USER_PASSWORD is required")
			}

			logger := newLogger(os.Getenv("ENV"))
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if org == "" {
				org = cfg.DefaultTenant
			}

			hasher, err := authn.NewHasher(0)
			if err != nil {
				return err
			}
			svc := authn.NewService(authn.NewUserRepo(pool), nil, nil, nil, hasher, authn.Options{}, logger)
			u, err := svc.CreateUser(ctx, authn.NewUser{
				OrgID:       org,
				Email:       email,
				Name:        name,
				Password:    password,
				Roles:       splitList(roles),
				Permissions: splitList(perms),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (%s) in org %s\n", u.ID, u.Email, u.OrgID)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Login email")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().String("org", "", "Organization id (defaults to DEFAULT_TENANT)")
	createCmd.Flags().String("roles", "", "Comma-separated roles")
	createCmd.Flags().String("permissions", "", "Comma-separated permissions")
	createCmd.Flags().String("password", "", "Initial password (or EHR_USER_PASSWORD)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.AccessTTL = cfg.AccessTokenTTL
	opts.RefreshTTL = cfg.RefreshTokenTTL
	opts.RotateRefresh = cfg.RefreshTokenRotation
	opts.ReuseGrace = cfg.RefreshReuseGrace
	if cfg.SessionTouchInterval > 0 {
		opts.TouchInterval = cfg.SessionTouchInterval
	}
	return opts
}

func mfaOptions(cfg *config.Config) mfa.Options {
	return mfa.Options{
		CodeLength:     cfg.MFACodeLength,
		CodeExpiry:     cfg.MFACodeExpiry,
		MaxAttempts:    cfg.MFAMaxAttempts,
		ResendCooldown: cfg.MFAResendCooldown,
	}
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		HealthCheckPeriod: 30 * time.Second,
		ApplicationName:   cfg.ServiceName,
	}
}
