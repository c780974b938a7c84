package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceguard/internal/database"
	"github.com/kozaktomas/faceguard/internal/web"
)

// sweepInterval is how often idle enrollments are discarded.
const sweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the faceguard web server.
The server exposes the enrollment, login and identity endpoints under /api/v1.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default WEB_PORT or 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default WEB_HOST or 0.0.0.0)")
}

// initIdentityHNSW builds or loads the identity HNSW index used by the nearest-identity diagnostics.
func initIdentityHNSW(ctx context.Context, a *app) {
	indexPath := a.cfg.Database.HNSWIndexPath
	if indexPath != "" {
		fmt.Printf("Loading identity HNSW index from %s...\n", indexPath)
	} else {
		fmt.Printf("Building in-memory HNSW index for identities...\n")
	}
	if err := a.repo.EnableHNSW(ctx, indexPath); err != nil {
		fmt.Printf("Warning: Failed to build identity HNSW index: %v\n", err)
		fmt.Printf("Nearest-identity lookups will use the database (slower)\n")
		return
	}
	database.RegisterHNSWRebuilder(a.repo)
	if indexPath != "" {
		fmt.Printf("Identity HNSW index ready with %d identities (persisted to %s)\n", a.repo.HNSWCount(), indexPath)
	} else {
		fmt.Printf("Identity HNSW index built with %d identities (in-memory only)\n", a.repo.HNSWCount())
	}
}

// resolveServeHostPort prefers flags over the environment configuration.
func resolveServeHostPort(cmd *cobra.Command, a *app) (int, string) {
	port := a.cfg.Web.Port
	if cmd.Flags().Changed("port") {
		port = mustGetInt(cmd, "port")
	}
	host := a.cfg.Web.Host
	if cmd.Flags().Changed("host") {
		host = mustGetString(cmd, "host")
	}
	return port, host
}

func saveHNSWIndex() {
	rebuilder := database.GetHNSWRebuilder()
	if rebuilder == nil {
		return
	}
	if err := rebuilder.SaveHNSWIndex(); err != nil {
		fmt.Printf("Warning: Failed to save identity HNSW index: %v\n", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	initIdentityHNSW(ctx, a)
	if a.cfg.Web.AdminToken == "" {
		fmt.Println("Admin API disabled (WEB_ADMIN_TOKEN not set)")
	}

	port, host := resolveServeHostPort(cmd, a)
	server := web.NewServer(a.cfg, port, host, a.engine, a.repo, a.log)

	go a.engine.RunSweeper(ctx, sweepInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		saveHNSWIndex()

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting faceguard on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
