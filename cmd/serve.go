package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetrace/internal/server"
	"github.com/andresmejia3/facetrace/internal/utils"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload API (POST /upload) and live match events (/ws)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("port") {
			Cfg.Server.Port = servePort
		}
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "P", 5000, "HTTP port (default from config / PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if err := os.MkdirAll(Cfg.Server.UploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	eng, err := newEngine(ctx, Cfg, Log, engineOptions{Video: videoOptions(Cfg, "")})
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer eng.Close()

	opts := server.Options{
		Port:        Cfg.Server.Port,
		UploadDir:   Cfg.Server.UploadDir,
		StaticDir:   Cfg.Server.StaticDir,
		MaxUploadMB: Cfg.Server.MaxUploadMB,
		Logger:      Log,
	}
	if err := openDB(ctx, false); err != nil {
		Log.Warning("Run history disabled: %v", err)
	}
	if DB != nil {
		opts.Store = DB
	}

	srv := server.NewServer(eng.Pipeline, opts)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// The signal context is already cancelled; give in-flight requests a moment.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
