package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/roadside.fusion/internal/api"
	"github.com/banshee-data/roadside.fusion/internal/config"
	"github.com/banshee-data/roadside.fusion/internal/db"
	"github.com/banshee-data/roadside.fusion/internal/ingest"
	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/rpc"
	"github.com/banshee-data/roadside.fusion/internal/serialmux"
	"github.com/banshee-data/roadside.fusion/internal/timeutil"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
	"github.com/banshee-data/roadside.fusion/internal/version"
)

const defaultDBPath = "fusion.db"

var logf = monitoring.Tagged("fusiond")

type serveOptions struct {
	configPath     string
	configExplicit bool
	listen         string
	grpcListen     string
	dbPath         string
	serialPort     string
	serialBaud     int
	serialInit     []string
	udpListen      string
	udpRcvBuf      int
	statsInterval  time.Duration
	shutdownGrace  time.Duration
}

func defaultServeOptions() serveOptions {
	return serveOptions{
		configPath:    config.DefaultConfigPath,
		listen:        ":8080",
		grpcListen:    ":50051",
		dbPath:        defaultDBPath,
		serialBaud:    serialmux.DefaultBaudRate,
		udpRcvBuf:     4 << 20,
		statsInterval: time.Minute,
		shutdownGrace: 2 * time.Second,
	}
}

func newServeCmd() *cobra.Command {
	o := defaultServeOptions()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fusion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.configExplicit = cmd.Flags().Changed("config")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(o)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Listen(); err != nil {
				return err
			}
			return d.Serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", o.configPath, "fusion tuning file (.json, .yaml or .yml)")
	f.StringVar(&o.listen, "listen", o.listen, "HTTP listen address")
	f.StringVar(&o.grpcListen, "grpc-listen", o.grpcListen, "gRPC listen address (empty disables)")
	f.StringVar(&o.dbPath, "db", o.dbPath, "sqlite database path (empty disables persistence)")
	f.StringVar(&o.serialPort, "serial-port", "", "serial gateway device, e.g. /dev/ttyUSB0")
	f.IntVar(&o.serialBaud, "serial-baud", o.serialBaud, "serial gateway baud rate")
	f.StringSliceVar(&o.serialInit, "serial-init", nil, "commands sent to the serial gateway at start-up")
	f.StringVar(&o.udpListen, "udp-listen", "", "UDP gateway listen address, e.g. :7400")
	f.IntVar(&o.udpRcvBuf, "udp-rcvbuf", o.udpRcvBuf, "UDP receive buffer size in bytes")
	f.DurationVar(&o.statsInterval, "stats-interval", o.statsInterval, "interval between stats log lines")
	return cmd
}

func loadConfig(path string, explicit bool) (*config.FusionConfig, error) {
	if path == "" {
		return config.EmptyFusionConfig(), nil
	}
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logf("no config at %s, using built-in defaults", path)
			return config.EmptyFusionConfig(), nil
		}
	}
	cfg, err := config.LoadFusionConfig(path)
	if err != nil {
		return nil, err
	}
	logf("loaded config from %s", path)
	return cfg, nil
}

// daemon holds the wired service. Listen binds every socket so callers see
// address errors before anything starts; Serve runs until ctx is done.
type daemon struct {
	opts      serveOptions
	clock     timeutil.Clock
	db        *db.DB
	fuser     *pipeline.Fuser
	publisher *rpc.Publisher
	handler   http.Handler
	grpc      *grpc.Server
	serial    *serialmux.SerialMux[serial.Port]
	serialSrc *ingest.SerialSource
	udpSrc    *ingest.UDPSource

	httpLis net.Listener
	grpcLis net.Listener
}

func newDaemon(o serveOptions) (_ *daemon, err error) {
	d := &daemon{opts: o, clock: timeutil.RealClock{}}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	cfg, err := loadConfig(o.configPath, o.configExplicit)
	if err != nil {
		return nil, err
	}

	popts := pipeline.Options{Config: cfg, Clock: d.clock}
	var store api.RemovedTrackStore
	if o.dbPath != "" {
		if d.db, err = db.NewDB(o.dbPath); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if _, err = d.db.StartRun(version.Version, cfg.Resolved()); err != nil {
			return nil, err
		}
		popts.Recorder = d.db
		store = d.db
	}
	if o.grpcListen != "" {
		d.publisher = rpc.NewPublisher()
		popts.Publisher = d.publisher
	}

	if d.fuser, err = pipeline.New(popts); err != nil {
		return nil, err
	}

	mux := api.NewServer(d.fuser, store).ServeMux()
	if d.db != nil {
		if err = d.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}

	if o.serialPort != "" {
		if d.serial, err = serialmux.OpenSerialMux(o.serialPort, serialmux.PortOptions{BaudRate: o.serialBaud}); err != nil {
			return nil, err
		}
		if err = d.serial.Initialize(o.serialInit...); err != nil {
			return nil, fmt.Errorf("failed to initialize gateway on %s: %w", o.serialPort, err)
		}
		d.serial.AttachAdminRoutes(mux)
		d.serialSrc = ingest.NewSerialSource(d.serial, d.fuser)
	}
	if o.udpListen != "" {
		d.udpSrc = ingest.NewUDPSource(ingest.UDPSourceConfig{Address: o.udpListen, RcvBuf: o.udpRcvBuf}, d.fuser)
	}

	d.handler = api.LoggingMiddleware(mux)
	if o.grpcListen != "" {
		d.grpc = rpc.NewGRPCServer(rpc.NewServer(d.fuser, d.publisher))
	}
	return d, nil
}

func (d *daemon) Listen() error {
	var err error
	if d.httpLis, err = net.Listen("tcp", d.opts.listen); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.opts.listen, err)
	}
	logf("HTTP listening on %s", d.httpLis.Addr())
	if d.grpc != nil {
		if d.grpcLis, err = net.Listen("tcp", d.opts.grpcListen); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.opts.grpcListen, err)
		}
		logf("gRPC listening on %s", d.grpcLis.Addr())
	}
	if d.udpSrc != nil {
		if _, err = d.udpSrc.Listen(); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := server.Serve(d.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.opts.shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logf("HTTP server shutdown error: %v", err)
			server.Close()
		}
		logf("HTTP server stopped")
		return nil
	})

	if d.grpc != nil {
		g.Go(func() error {
			if err := d.grpc.Serve(d.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			d.stopGRPC()
			return nil
		})
	}

	if d.serial != nil {
		g.Go(func() error { return d.serial.Monitor(gctx) })
		g.Go(func() error { return d.serialSrc.Run(gctx) })
	}
	if d.udpSrc != nil {
		g.Go(func() error { return d.udpSrc.Run(gctx) })
	}
	if d.opts.statsInterval > 0 {
		g.Go(func() error { d.logStats(gctx); return nil })
	}

	logf("fusiond %s serving", version.String())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logf("graceful shutdown complete")
	return err
}

// stopGRPC waits for in-flight calls, then cuts off watchers that are still
// streaming when the grace period ends.
func (d *daemon) stopGRPC() {
	done := make(chan struct{})
	go func() {
		d.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.shutdownGrace):
		d.grpc.Stop()
		<-done
	}
	logf("gRPC server stopped")
}

func (d *daemon) logStats(ctx context.Context) {
	t := d.clock.NewTicker(d.opts.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s := d.fuser.Stats()
			logf("stats: frames=%d stale=%d rejected=%d cycles=%d batches=%d live=%d created=%d expired=%d",
				s.FramesReceived, s.FramesStale, s.DetectionsRejected, s.Cycles, s.Batches,
				s.LiveTracks, s.TracksCreated, s.TracksExpired)
			if d.publisher != nil {
				p := d.publisher.Stats()
				logf("stats: watchers=%d published=%d dropped=%d", p.Watchers, p.Published, p.Dropped)
			}
			if d.serialSrc != nil {
				logf("stats: serial %+v", d.serialSrc.Counters())
			}
			if d.udpSrc != nil {
				logf("stats: udp %+v", d.udpSrc.Counters())
			}
		}
	}
}

func (d *daemon) Close() error {
	var errs []error
	if d.serial != nil {
		errs = append(errs, d.serial.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
