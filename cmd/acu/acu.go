// Command acu serves the antenna drive: status, moves, scans and the
// pointing model over HTTP and rotctld.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/acu/simulator"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/internal/config"
	"github.com/w1xm/acu_interface/internal/metrics"
	"github.com/w1xm/acu_interface/monitor"
	"github.com/w1xm/acu_interface/scan"
	"github.com/w1xm/acu_interface/spem"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	simulate   = flag.Bool("simulate", false, "drive an in-process ACU simulator")
	staticDir  = flag.String("static_dir", "static", "directory containing static files")
)

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		cfg := config.Default()
		cfg.ACU.Simulate = *simulate
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *simulate {
		cfg.ACU.Simulate = true
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	var dev acu.Device
	if cfg.ACU.Simulate {
		sim := simulator.New(clock.Real{}, 0, 45)
		sim.Depth = cfg.Track.QueueDepth
		dev = sim
		g.Go(func() error {
			if cfg.Server.SimAddr == "" {
				return sim.Run(ctx)
			}
			return sim.ListenAndServe(ctx, cfg.Server.SimAddr)
		})
	} else {
		dev = acu.NewHTTPDevice(cfg.ACU.URL)
	}

	ctl := acu.NewControl(dev)
	cfg.Configure(ctl)
	ctl.Observer = m

	mon := monitor.New(ctl, clock.Real{}, cfg.MonitorConfig())
	mon.Metrics = m

	scans := scan.New(ctl, mon, clock.Real{}, cfg.ScanConfig())
	scans.Metrics = m

	ignore, err := cfg.IgnoreWriteback()
	if err != nil {
		log.Fatal(err)
	}
	client := spem.NewClient(ctl)
	client.IgnoreWriteback = ignore

	s := NewServer(ctx, ctl, mon, scans, client, m, cfg.ScanConfig().Limits)

	g.Go(func() error {
		return mon.Run(ctx)
	})
	g.Go(func() error {
		return s.Watch(ctx)
	})
	if cfg.Server.RotctldAddr != "" {
		g.Go(func() error {
			return s.ListenRotctld(ctx, cfg.Server.RotctldAddr)
		})
	}

	srv := &http.Server{
		Handler:           s.Handler(*staticDir),
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Printf("serving on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		scans.Cancel()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdown)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
