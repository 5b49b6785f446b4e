package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mr-karan/extentdb/internal/metrics"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/redcon"
	"github.com/zerodha/logf"
	"golang.org/x/sync/errgroup"
)

var (
	// Version of the build. This is injected at build-time.
	buildString = "unknown"
)

type App struct {
	lo   logf.Logger
	sink *sink.Sink
	lib  *extent.Library

	fsync         bool
	extentSize    int
	flushInterval time.Duration

	// Outputs are created lazily, one per type, and shared by every
	// connection.
	mu      sync.Mutex
	outputs map[string]*sink.Output
}

func main() {
	ko, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	lo := initLogger(ko)

	lib, err := initLibrary(ko)
	if err != nil {
		lo.Fatal("error loading types", "error", err)
	}
	s, err := initSink(ko, lo, lib)
	if err != nil {
		lo.Fatal("error opening sink", "error", err)
	}

	app := &App{
		lo:         lo,
		sink:       s,
		lib:        lib,
		fsync:         ko.Bool("sink.fsync"),
		extentSize:    ko.Int("sink.extent_size"),
		flushInterval: ko.Duration("sink.flush_interval"),
		outputs:       map[string]*sink.Output{},
	}

	mux := redcon.NewServeMux()
	mux.HandleFunc("ping", app.ping)
	mux.HandleFunc("quit", app.quit)
	mux.HandleFunc("types", app.types)
	mux.HandleFunc("append", app.append)
	mux.HandleFunc("flush", app.flush)
	mux.HandleFunc("stats", app.stats)

	srv := redcon.NewServer(ko.MustString("app.address"),
		mux.ServeRESP,
		func(conn redcon.Conn) bool {
			// use this function to accept or deny the connection.
			return true
		},
		func(conn redcon.Conn, err error) {
			// this is called when the connection has been closed
		},
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(s.Path(), s.Stats),
		collectors.NewGoCollector(),
	)
	var httpSrv *http.Server
	if addr := ko.String("metrics.address"); addr != "" {
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 5 * time.Second}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lo.Info("starting server", "address", ko.String("app.address"), "version", buildString)
		return srv.ListenAndServe()
	})
	if app.flushInterval > 0 {
		g.Go(func() error {
			app.flushEvery(ctx, app.flushInterval)
			return nil
		})
	}
	if httpSrv != nil {
		g.Go(func() error {
			lo.Info("starting metrics server", "address", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		lo.Info("shutting down")

		var merr *multierror.Error
		if err := srv.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		if httpSrv != nil {
			if err := httpSrv.Shutdown(context.Background()); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return merr.ErrorOrNil()
	})

	if err := g.Wait(); err != nil {
		lo.Error("error running server", "error", err)
	}

	if err := app.close(); err != nil {
		lo.Fatal("error closing sink", "error", err)
	}
	lo.Info("closed sink", "path", s.Path())
}

// flushEvery submits partly filled extents every interval until ctx is
// done.
func (app *App) flushEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			app.lo.Debug("flushing outputs")
			if err := app.flushOutputs(); err != nil {
				app.lo.Error("error flushing outputs", "error", err)
			}
		}
	}
}

// flushOutputs submits every partly filled extent and waits for the sink
// to write them.
func (app *App) flushOutputs() error {
	app.mu.Lock()
	defer app.mu.Unlock()

	for _, out := range app.outputs {
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return app.sink.FlushPending()
}

// close flushes every output and completes the file.
func (app *App) close() error {
	app.mu.Lock()
	defer app.mu.Unlock()

	var merr *multierror.Error
	for name, out := range app.outputs {
		if err := out.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		st := out.Stats()
		app.lo.Info("closed output", "type", name, "extents", st.Extents, "records", st.NRecords)
	}
	if err := app.sink.Close(app.fsync); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
