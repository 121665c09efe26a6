// cubesync-probe connects to a sync server, subscribes to the documents
// named on the command line and logs replication traffic. Useful for
// smoke-testing a deployment and for watching what a scene is doing.
//
// Configuration comes from flags and CUBESYNC_* environment variables
// (a .env file in the working directory is honored).
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/cubesync/cubesync"
	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/wire"
)

func main() {
	var (
		url         = flag.String("url", "", "sync server URL (overrides CUBESYNC_URL)")
		rtc         = flag.Bool("rtc", false, "negotiate the unreliable channel")
		metricsAddr = flag.String("metrics", "", "expose Prometheus metrics on this address, e.g. :9100")
		statsEvery  = flag.Duration("stats", 10*time.Second, "stats report interval")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "cubesync-probe").Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := cubesync.ConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad configuration")
	}
	if *url != "" {
		cfg.URL = *url
	}
	if cfg.URL == "" {
		logger.Fatal().Msg("no server URL: pass -url or set CUBESYNC_URL")
	}
	if *rtc {
		cfg.AllowRTC = true
	}
	cfg.Logger = &logger

	docs := flag.Args()
	if len(docs) == 0 {
		docs = []string{"default"}
	}

	client := cubesync.New(cfg)
	client.OnConnect = func() {
		logger.Info().Strs("documents", docs).Msg("connected, subscribing")
		for _, name := range docs {
			client.Subscribe(name)
		}
	}
	client.OnDisconnect = func() {
		logger.Warn().Msg("disconnected")
	}
	client.OnChange = func(name string, doc *document.Document, ops []wire.Op) {
		if ops == nil {
			logger.Info().Str("doc", name).Int("fields", len(doc.Root())).Msg("snapshot")
			return
		}
		paths := make([]string, len(ops))
		for i, op := range ops {
			paths[i] = op.Op + " " + op.Path
		}
		logger.Info().Str("doc", name).Str("ops", strings.Join(paths, ", ")).Msg("change")
	}
	client.OnMessage = func(frame map[string]any) {
		logger.Info().Interface("frame", frame).Msg("app message")
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(client.MetricsRegistry(), promhttp.HandlerOpts{}))
			logger.Info().Str("addr", *metricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := client.Connect(); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, relying on reconnect")
	}

	// Drive interpolation at a render-ish rate so transform smoothing is
	// observable from the probe too.
	interp := time.NewTicker(16 * time.Millisecond)
	defer interp.Stop()
	report := time.NewTicker(*statsEvery)
	defer report.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-interp.C:
			client.Interpolate()
		case <-report.C:
			st := client.Stats()
			logger.Info().
				Int64("send_bps", st.SendBps).
				Int64("rec_bps", st.RecBps).
				Int64("rtc_rec_bps", st.RecRTCBps).
				Float64("ping_ms", st.Ping).
				Float64("stdiff_ms", st.StDiff).
				Msg("stats")
		case <-sigCh:
			logger.Info().Msg("shutting down")
			client.Destroy()
			return
		}
	}
}
