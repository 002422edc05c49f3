package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmaris/how-late-is-muni/internal/config"
	"github.com/pmaris/how-late-is-muni/internal/db"
	"github.com/pmaris/how-late-is-muni/internal/nextbus"
	"github.com/pmaris/how-late-is-muni/internal/schedule"
	"github.com/pmaris/how-late-is-muni/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Observe a transit agency's prediction feed and record how late each arrival was",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newUpdateSchedulesCommand())
	root.AddCommand(newUpdateRoutesCommand())
	return root
}

// bootstrap loads configuration and connects to the store
func bootstrap(ctx context.Context) (*config.Config, *db.DB, *nextbus.Client, error) {
	cfg := config.Load()
	log.Printf("Config loaded: agency=%s, update_interval=%v", cfg.Agency, cfg.PredictionUpdateInterval)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}

	client := nextbus.NewClient(cfg.APIURL, cfg.Agency)
	return cfg, database, client, nil
}

func newRunCommand() *cobra.Command {
	var routeTag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the arrival workers for all active routes, or one route with --route",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, database, client, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			reconciler := schedule.New(database, client)
			opts := worker.Options{
				UpdateInterval:         cfg.PredictionUpdateInterval,
				DuplicateArrivalWindow: cfg.DuplicateArrivalWindow,
				SingleArrivalThreshold: cfg.SingleArrivalThreshold,
			}

			if routeTag == "" {
				manager := worker.NewManager(database, client, reconciler, cfg.DaySwitchTime, opts)
				return manager.Run(ctx)
			}

			return runSingleRoute(ctx, database, client, routeTag, opts)
		},
	}

	cmd.Flags().StringVar(&routeTag, "route", "",
		"run the worker only for this route tag instead of all active routes")
	return cmd
}

// runSingleRoute runs one route worker in the foreground, for diagnostics.
// The tag must name a route in the currently active set.
func runSingleRoute(ctx context.Context, database *db.DB, client *nextbus.Client, routeTag string, opts worker.Options) error {
	serviceClass := worker.CurrentServiceClass(time.Now())

	routes, err := database.ActiveRoutes(ctx, serviceClass)
	if err != nil {
		return err
	}

	for _, route := range routes {
		if route.Tag == routeTag {
			routeWorker := worker.NewRouteWorker(route, serviceClass, database, client, opts)
			return routeWorker.Run(ctx)
		}
	}
	return fmt.Errorf("route %s is not a valid active route", routeTag)
}

func newUpdateSchedulesCommand() *cobra.Command {
	var routeTag string

	cmd := &cobra.Command{
		Use:   "update-schedules",
		Short: "Reconcile published schedules against the database once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, database, client, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			reconciler := schedule.New(database, client)

			if routeTag == "" {
				return reconciler.ReconcileAll(ctx)
			}

			route, err := database.RouteByTag(ctx, routeTag)
			if err != nil {
				return err
			}
			if route == nil {
				return fmt.Errorf("route %s is not a valid route", routeTag)
			}
			return reconciler.ReconcileRoute(ctx, *route)
		},
	}

	cmd.Flags().StringVar(&routeTag, "route", "",
		"update the schedule only for this route tag instead of all routes")
	return cmd
}

func newUpdateRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update-routes",
		Short: "Update the stored route list from the provider and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, database, client, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			reconciler := schedule.New(database, client)
			_, err = reconciler.UpdateRoutes(ctx)
			return err
		},
	}
}
