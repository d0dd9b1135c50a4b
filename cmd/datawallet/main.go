package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/datawallet/internal/api"
	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/runner"
	"github.com/gotrs-io/datawallet/internal/runner/tasks"
	"github.com/gotrs-io/datawallet/internal/storage"
	"github.com/gotrs-io/datawallet/internal/version"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "datawallet",
	Short: "Data wallet task orchestration service",
	Long: `Data wallet turns inbound mail into owner-authorized tasks.

Each message is parsed, validated against the owner directory and priced.
Once the owner authorizes it, its content is published to content-addressed
storage, verified and attested on the ledger.`,
	SilenceUsage: true,
	Version:      version.String(),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduled tasks and the finalize workers",
	RunE:  runServe,
}

var pollOnceCmd = &cobra.Command{
	Use:   "poll-once",
	Short: "Run a single mail poll cycle and exit",
	RunE:  runPollOnce,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <locator> <sha256>",
	Short: "Retrieve published content and check its hash",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, pollOnceCmd, verifyCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configFlag)
	if err != nil {
		return nil, err
	}
	v := config.NewValidator(cfg)
	_ = v.Validate()
	for _, w := range v.Warnings() {
		fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	registry := runner.NewTaskRegistry()
	source, err := a.mailSource()
	if err != nil {
		return err
	}
	if source != nil {
		registry.Register(tasks.NewMailPollTask(a.service, source, cfg.Mail.PollInterval, newLogger("[MAIL] ")))
	}
	registry.Register(tasks.NewExpirySweepTask(a.service, cfg.Authorization.SweepInterval, newLogger("[AUTH] ")))
	registry.Register(tasks.NewResumeTask(a.service, 0))

	router := api.NewRouter(a.service, a.content, a.ledger,
		api.WithGatherer(a.registry),
		api.WithMetricsPath(metricsPath(cfg)),
		api.WithLogger(newLogger("[API] ")),
	)
	server := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.service.Run(gctx)
	})
	g.Go(func() error {
		return runner.NewRunner(registry, runner.WithLogger(newLogger("[RUNNER] "))).Start(gctx)
	})
	g.Go(func() error {
		a.logger.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	n, err := a.service.Resume(ctx)
	if err != nil {
		a.logger.Printf("resume: %v", err)
	} else if n > 0 {
		a.logger.Printf("re-queued %d unfinished tasks", n)
	}

	err = g.Wait()
	a.logger.Println("shutdown complete")
	return err
}

func runPollOnce(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Mail.Enabled = true

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	source, err := a.mailSource()
	if err != nil {
		return err
	}
	if err := source.TestConnection(ctx); err != nil {
		return fmt.Errorf("mailbox %s: %w", source.Name(), err)
	}
	stats, err := a.service.Poll(ctx, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d handled=%d errors=%d ack_failures=%d\n",
		stats.Fetched, stats.Handled, stats.Errors, stats.AckFails)
	return nil
}

// runVerify needs only the content store, so it skips the rest of the wiring.
func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewFromConfig(cfg.Content, newLogger("[CONTENT] "))
	if err != nil {
		return err
	}
	svc := content.NewService(store, content.WithLogger(newLogger("[CONTENT] ")))

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	res, err := svc.Verify(ctx, args[0], args[1])
	if err != nil && !content.IsIntegrityError(err) {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "locator:  %s\nexpected: %s\n", res.Locator, res.ExpectedHash)
	fmt.Fprintf(out, "actual:   %s\nsize:     %d\n", res.ActualHash, res.Size)
	if !res.ContentVerified {
		return fmt.Errorf("content does not match expected hash")
	}
	fmt.Fprintln(out, "verified: true")
	return nil
}

func metricsPath(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}
