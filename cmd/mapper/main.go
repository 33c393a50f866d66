// Package main replays recorded frames and clusters through the mapper.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/config"
	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/loopclosing"
	"github.com/melights/stereo-slam/mapping"
	"github.com/melights/stereo-slam/metrics"
)

func main() {
	logger := logging.NewLogger("mapper")
	logging.ReplaceGlobal(logger)
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,required,usage=mapper config file"`
	Input      string `flag:"input,usage=newline delimited JSON observations to replay, - for stdin"`
	Debug      bool   `flag:"debug"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger("mapper")
	}

	cfg, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	m, err := mapping.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, m.Close())
	}()
	if err := m.Start(); err != nil {
		return err
	}

	if cfg.MetricsAddress != "" {
		stop, err := serveMetrics(cfg.MetricsAddress, m.LoopClosing(), logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	if argsParsed.Input != "" {
		if err := replayFile(ctx, argsParsed.Input, m, logger); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func replayFile(ctx context.Context, path string, m *mapping.Mapper, logger logging.Logger) error {
	in := os.Stdin
	if path != "-" {
		//nolint:gosec
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		in = f
	}
	start := time.Now()
	frames, clusters, err := replay(ctx, in, m)
	if err != nil {
		return err
	}
	if err := m.WaitForIdle(ctx, 10*time.Millisecond); err != nil {
		return err
	}
	logger.Infow("replay finished",
		"frames", frames,
		"clusters", clusters,
		"loop_closings", m.LoopClosing().LoopClosings(),
		"duration", time.Since(start))
	return nil
}

// serveMetrics exports the loop closing topics over HTTP until stop is called.
func serveMetrics(address string, pipeline *loopclosing.Pipeline, logger logging.Logger) (func(), error) {
	registry := prometheus.NewRegistry()
	exporter := metrics.NewPrometheusExporter(registry, "mapper", logger.Sublogger("metrics"))
	if err := multierr.Combine(
		exporter.Watch(pipeline.LoopClosingsTopic(), "Confirmed loop closures."),
		exporter.Watch(pipeline.QueueDepthTopic(), "Clusters waiting for loop closing."),
	); err != nil {
		exporter.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		exporter.Close()
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	goutils.PanicCapturingGo(func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", "error", err)
		}
	})
	logger.Infow("serving metrics", "address", listener.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("unable to stop metrics server", "error", err)
		}
		exporter.Close()
	}, nil
}
