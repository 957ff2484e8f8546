package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"segloader/internal/api"
	"segloader/internal/session"
	"segloader/internal/stats"
)

const shutdownTimeout = 5 * time.Second

var playCmd = &cobra.Command{
	Use:   "play <manifest-url>",
	Short: "Play a manifest until it ends",
	Long: `Play an HLS or DASH manifest with a simulated playhead until the stream
ends, --duration elapses or the process is interrupted.

When metrics.listen (or --listen) is set, /metrics, /stats and /healthz are
served while playing.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Duration("duration", 0, "stop playback after this long (0 plays to the end)")
	playCmd.Flags().StringP("output", "o", "", "write appended media to this file ('-' for stdout)")
	playCmd.Flags().String("listen", "", "serve metrics and stats on this address")
	playCmd.Flags().Float64("rate", 0, "playback rate of the simulated playhead")
	playCmd.Flags().Float64("start", 0, "start position in seconds for VOD")
}

func runPlay(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("duration") {
		cfg.Playback.Duration, _ = flags.GetDuration("duration")
	}
	if flags.Changed("listen") {
		cfg.Metrics.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("rate") {
		cfg.Playback.PlaybackRate, _ = flags.GetFloat64("rate")
	}
	if flags.Changed("start") {
		cfg.Playback.StartPosition, _ = flags.GetFloat64("start")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	output, closeOutput, err := openOutput(flags.Lookup("output").Value.String())
	if err != nil {
		return err
	}
	defer closeOutput()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sess, err := session.New(args[0], session.Options{
		Config:  cfg,
		Metrics: stats.NewMetrics(registry),
		Output:  output,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Metrics.Listen != "" {
		server = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           api.New(sess, registry, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Server starting on %s", cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Could not listen on %s: %v", cfg.Metrics.Listen, err)
			}
		}()
	}

	log.Infof("Playing %s", args[0])
	runErr := sess.Run(ctx)

	if server != nil {
		log.Infof("Server is shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown failed: %v", err)
		}
	}

	snap := sess.Snapshot()
	log.Infof("Played to %.3f with %d requests, %d bytes", snap.CurrentTime, snap.Stats.MediaRequests, snap.Stats.MediaBytesTransferred)
	return runErr
}

func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			log.Warnf("Failed to close %s: %v", path, err)
		}
	}, nil
}
