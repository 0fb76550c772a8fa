package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/secmon-lab/herald/pkg/cli/config"
	httpctrl "github.com/secmon-lab/herald/pkg/controller/http"
	"github.com/secmon-lab/herald/pkg/service/emojisource"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/service/worker"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var addr string
	var gatewayTimeout time.Duration
	var gatewayAttempts int
	var shutdownTimeout time.Duration
	var wsCfg config.Workspace
	var repoCfg config.Repository
	var schedCfg config.Scheduler
	var slackCfg config.Slack

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("HERALD_ADDR"),
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "gateway-timeout",
			Usage:       "Timeout of one chat server call",
			Category:    "Gateway",
			Value:       rocketchat.DefaultTimeout,
			Sources:     cli.EnvVars("HERALD_GATEWAY_TIMEOUT"),
			Destination: &gatewayTimeout,
		},
		&cli.IntFlag{
			Name:        "gateway-max-attempts",
			Usage:       "Attempts per chat server call for retryable failures",
			Category:    "Gateway",
			Value:       rocketchat.DefaultMaxAttempts,
			Sources:     cli.EnvVars("HERALD_GATEWAY_MAX_ATTEMPTS"),
			Destination: &gatewayAttempts,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "How long active bulk runs and requests may take to finish on shutdown",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("HERALD_SHUTDOWN_TIMEOUT"),
			Destination: &shutdownTimeout,
		},
	}

	flags = append(flags, wsCfg.Flags()...)
	flags = append(flags, repoCfg.Flags()...)
	flags = append(flags, schedCfg.Flags()...)
	flags = append(flags, slackCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server and the delivery scheduler",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			registry, err := wsCfg.Configure()
			if err != nil {
				return goerr.Wrap(err, "failed to load workspace configurations")
			}

			repo, err := repoCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize repository")
			}
			defer func() {
				if err := repo.Close(); err != nil {
					logging.Default().Error("failed to close repository", "error", err.Error())
				}
			}()

			workerOpts, closeLock, err := schedCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to configure scheduler")
			}
			defer closeLock()

			gateway := rocketchat.New(
				rocketchat.WithTimeout(gatewayTimeout),
				rocketchat.WithRetry(gatewayAttempts, 0),
			)

			fetcher := emojisource.New()
			defer func() {
				if err := fetcher.Close(); err != nil {
					logging.Default().Warn("failed to close emoji fetcher", "error", err.Error())
				}
			}()

			ucOpts := append(schedCfg.UseCaseOptions(), usecase.WithEmojiFetcher(fetcher))

			notifier, err := slackCfg.Configure()
			if err != nil {
				return goerr.Wrap(err, "failed to configure slack notifier")
			}
			if notifier != nil {
				ucOpts = append(ucOpts, usecase.WithNotifier(notifier))
				logging.Default().Info("Slack notifications enabled", "slack", slackCfg)
			}

			uc := usecase.New(repo, registry, gateway, ucOpts...)

			// Runs whose executor stopped renewing their lease are recovered here
			// and after every dispatch scan
			recovered, err := uc.Bulk.RecoverInterrupted(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to recover interrupted bulk runs")
			}
			if recovered > 0 {
				logging.Default().Warn("Marked interrupted bulk runs as aborted", "count", recovered)
			}

			workerOpts = append(workerOpts, worker.WithRunRecovery(uc.Bulk))
			dispatchWorker := worker.NewDispatchWorker(uc.Delivery, schedCfg.Interval(), workerOpts...)
			if err := dispatchWorker.Start(ctx); err != nil {
				return goerr.Wrap(err, "failed to start dispatch worker")
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           httpctrl.New(uc),
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("Starting HTTP server",
					"addr", addr,
					"instance_id", uc.InstanceID(),
					"workspaces", len(registry.List()),
					"scheduler", schedCfg,
				)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			select {
			case err := <-errCh:
				dispatchWorker.Stop()
				return err
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)

				dispatchWorker.Stop()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				// Active bulk runs end after their current item with a done
				// record, so their streams close before the server does.
				if err := uc.Bulk.Drain(shutdownCtx); err != nil {
					logging.Default().Warn("Bulk runs still active at shutdown", "error", err.Error())
				}

				if err := server.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shutdown server gracefully")
				}

				logging.Default().Info("Server shutdown completed")
				return nil
			}
		},
	}
}
