package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fleetopt/internal/app"
	"fleetopt/internal/auth"
	"fleetopt/internal/buildinfo"
	"fleetopt/internal/config"
	"fleetopt/internal/integrations"
	"fleetopt/internal/integrations/yamlfile"
	"fleetopt/internal/model"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
)

type rootOptions struct {
	configPath string
	logLevel   string
	fixtures   string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.fixtures != "" {
		cfg.Fixtures.Path = o.fixtures
	}
	return cfg, nil
}

// open builds the service without serving it. Callers must Close the result.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	return app.New(cmdContext(cmd), cfg, o.configPath, logger)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Driver matching and fleet optimization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Config file path (YAML); defaults to $FLEETOPT_CONFIG")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&o.fixtures, "fixtures", "", "YAML fixtures loaded into the store at startup")

	cmd.AddCommand(
		serveCmd(o),
		optimizeCmd(o),
		utilizationCmd(o),
		allocateCmd(o),
		sweepCmd(o),
		migrateCmd(o),
		seedCmd(o),
		tokenCmd(o),
		versionCmd(),
	)
	return cmd
}

func serveCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Logger.Info("starting fleetctl serve", "build", buildinfo.String())
			return a.Run(cmdContext(cmd))
		},
	}
}

func optimizeCmd(o *rootOptions) *cobra.Command {
	var (
		driverID   string
		objectives []string
		skills     []string
		maxMiles   float64
		priority   string
		timeout    time.Duration
		supersede  bool
	)
	cmd := &cobra.Command{
		Use:   "optimize <jobID>",
		Short: "Choose and reserve a driver for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := opt.AssignmentRequest{
				JobID:     args[0],
				DriverID:  driverID,
				Supersede: supersede,
				Constraints: model.Constraints{
					RequiredSkills:   skills,
					MaxDistanceMiles: maxMiles,
					Priority:         model.Priority(priority),
				},
			}
			for _, s := range objectives {
				obj := model.Objective(s)
				if !obj.Valid() {
					return fmt.Errorf("unknown objective %q", s)
				}
				req.Objectives = append(req.Objectives, obj)
			}
			if !req.Constraints.Priority.Valid() {
				return fmt.Errorf("unknown priority %q", priority)
			}

			a, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Machine.Wait()

			if timeout <= 0 {
				timeout = a.Config.Engine.RequestTimeout
			}
			ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
			defer cancel()
			res, err := a.Engine.OptimizeAssignment(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "Restrict the choice to this driver")
	cmd.Flags().StringSliceVar(&objectives, "objective", nil, "Objectives (minimize_cost, minimize_time, maximize_satisfaction, maximize_efficiency)")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "Required skills")
	cmd.Flags().Float64Var(&maxMiles, "max-distance", 0, "Maximum driver-to-pickup miles")
	cmd.Flags().StringVar(&priority, "priority", "", "Job priority override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Decision deadline")
	cmd.Flags().BoolVar(&supersede, "supersede", false, "Replace a pending offer on the job")
	return cmd
}

func utilizationCmd(o *rootOptions) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "utilization",
		Short: "Report fleet utilization for a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := parseWindow(start, end, time.Now().UTC())
			if err != nil {
				return err
			}
			a, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.Engine.OptimizeFleetUtilization(cmdContext(cmd), w)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC3339); defaults to now")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC3339); defaults to start plus 24h")
	return cmd
}

func parseWindow(start, end string, now time.Time) (model.TimeWindow, error) {
	w := model.TimeWindow{Start: now}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return w, fmt.Errorf("--start: %w", err)
		}
		w.Start = t
	}
	w.End = w.Start.Add(24 * time.Hour)
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return w, fmt.Errorf("--end: %w", err)
		}
		w.End = t
	}
	if !w.End.After(w.Start) {
		return w, errors.New("end must be after start")
	}
	return w, nil
}

func allocateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <jobID>...",
		Short: "Plan driver and vehicle allocations for a batch of jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.Engine.OptimizeResourceAllocation(cmdContext(cmd), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"items": out})
		},
	}
}

func sweepCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire offers past their deadline once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Machine.Wait()
			n, err := a.Machine.Sweep(cmdContext(cmd))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d offers\n", n)
			return err
		},
	}
}

func migrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database url is not configured")
			}
			ctx := cmdContext(cmd)
			pg, err := store.NewPostgres(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer func() { _ = pg.Close() }()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}

func seedCmd(o *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load drivers, jobs and history from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
			st, err := app.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			sum, err := integrations.Load(ctx, yamlfile.Source{Path: file}, st)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file to load")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tokenCmd(o *rootOptions) *cobra.Command {
	var (
		tenant, role, driverID string
		ttl                    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if cfg.Auth.HMACSecret == "" {
				return errors.New("auth hmac secret is not configured")
			}
			claims := map[string]any{
				"tenant": tenant,
				"role":   role,
				"exp":    time.Now().Add(ttl).Unix(),
			}
			if driverID != "" {
				claims["sub"] = driverID
			}
			tok, err := auth.SignHS256([]byte(cfg.Auth.HMACSecret), claims)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "Tenant claim")
	cmd.Flags().StringVar(&role, "role", auth.RoleDispatcher, "Role claim (admin, dispatcher, driver)")
	cmd.Flags().StringVar(&driverID, "driver", "", "Driver id (sub claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "fleetctl %s\n", buildinfo.String())
			return err
		},
	}
}
