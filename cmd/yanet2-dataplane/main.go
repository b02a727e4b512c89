// Command yanet2-dataplane is the host binary: it loads a topology
// document and a modules document, wires devices/workers/pipes and the
// module pipeline registry, publishes the first configuration
// generation, starts every worker, and serves Prometheus metrics until
// signaled to stop (spec section 6 "CLI / exit codes").
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/dataplane"
	"github.com/sakateka/yanet2/internal/device"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
	"github.com/sakateka/yanet2/internal/modules/balancer"
	"github.com/sakateka/yanet2/internal/modules/decap"
	"github.com/sakateka/yanet2/internal/modules/forward"
	"github.com/sakateka/yanet2/internal/modules/nat64"
	"github.com/sakateka/yanet2/internal/modules/route"
	"github.com/sakateka/yanet2/internal/pipeline"
	"github.com/sakateka/yanet2/internal/topology"
)

var (
	topologyPath         = flag.String("topology", "", "path to the topology configuration document")
	modulesPath          = flag.String("modules", "", "path to the modules/pipelines configuration document")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	enableVerboseLogging = flag.Bool("v", false, "enables verbose logging")
	useLoopbackDriver    = flag.Bool("loopback", false, "use the in-process loopback driver instead of AF_PACKET")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerboseLogging {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	if *topologyPath == "" {
		slog.Error("topology flag is required")
		os.Exit(1)
	}
	if *modulesPath == "" {
		slog.Error("modules flag is required")
		os.Exit(1)
	}

	if err := run(logger); err != nil {
		slog.Error("dataplane exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	topoCfg, err := topology.Load(*topologyPath)
	if err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}

	doc, err := genconfig.LoadDocument(*modulesPath)
	if err != nil {
		return fmt.Errorf("loading modules document: %w", err)
	}
	rawInstances, rawPipelines, err := doc.Resolve()
	if err != nil {
		return fmt.Errorf("resolving modules document: %w", err)
	}

	counters := counter.NewRegistry()

	var drv driver.Driver
	if *useLoopbackDriver {
		drv = driver.NewLoopback()
	} else {
		drv = driver.NewAFPacket()
	}

	wired, err := topology.Wire(topoCfg, drv, counters)
	if err != nil {
		return fmt.Errorf("wiring topology: %w", err)
	}
	registry, err := pipeline.NewRegistry(
		nat64.Module(counters),
		balancer.Module(counters),
		route.Module(counters),
		decap.Module(counters),
		forward.Module(counters),
	)
	if err != nil {
		return fmt.Errorf("building module registry: %w", err)
	}

	builder := genconfig.NewBuilder(registry, counters)
	gen, err := builder.Build(rawInstances, rawPipelines, nil)
	if err != nil {
		return fmt.Errorf("building first configuration generation: %w", err)
	}
	resizeBalancerSessions(gen, len(wired.Workers))
	wired.CPConfig.Publish(gen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go maintainBalancerSessions(ctx, logger, wired.CPConfig)

	workers := make(map[*device.Worker]*dataplane.Worker, len(wired.Workers))
	for _, dw := range wired.Workers {
		workers[dw] = dataplane.NewWorker(logger, dw, drv, counters)
	}

	stores := make([]*counter.Storage, 0, len(wired.Workers))
	for _, w := range wired.Workers {
		stores = append(stores, w.Counters)
	}
	prometheus.MustRegister(counter.NewCollector(counters, stores))

	go serveMetrics(logger, *metricsAddr)

	startFn := func(dw *device.Worker) error {
		if err := drv.PortStart(dw.Device.PortID); err != nil {
			return fmt.Errorf("starting port for device %d: %w", dw.DeviceID, err)
		}
		workers[dw].Start(ctx)
		return nil
	}
	stopFn := func(dw *device.Worker) error {
		workers[dw].Stop()
		return drv.PortStop(dw.Device.PortID)
	}

	if err := wired.Topology.Start(startFn); err != nil {
		return fmt.Errorf("starting topology: %w", err)
	}
	logger.Info("dataplane started", "devices", len(wired.Topology.Devices), "workers", len(wired.Workers))

	<-ctx.Done()
	logger.Info("shutting down")
	if err := wired.Topology.Stop(stopFn); err != nil {
		return fmt.Errorf("stopping topology: %w", err)
	}
	return nil
}

// resizeBalancerSessions gives every balancer instance in gen a session
// table sized for numWorkers before the generation is ever published, so
// the per-worker use_prev_gen state balancer.MaintainSessions later
// manipulates exists from the first packet onward.
func resizeBalancerSessions(gen *genconfig.Generation, numWorkers int) {
	for _, inst := range gen.Instances {
		if inst.Module.Name != balancer.ModuleName {
			continue
		}
		balancer.ResizeSessions(inst.Config, numWorkers)
	}
}

// maintainBalancerSessions periodically drives the balancer session
// table's live-resize and expiry protocol for every balancer instance in
// the currently published generation, until ctx is canceled.
func maintainBalancerSessions(ctx context.Context, logger *slog.Logger, cp *genconfig.CPConfig) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gen := cp.Current()
			if gen == nil {
				continue
			}
			for name, inst := range gen.Instances {
				if inst.Module.Name != balancer.ModuleName {
					continue
				}
				resized, pruned := balancer.MaintainSessions(inst.Config, now)
				if resized || pruned > 0 {
					logger.Debug("balancer session maintenance",
						"instance", name, "resized", resized, "pruned", pruned)
				}
			}
		}
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to start prometheus metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("prometheus metrics server started", "address", lis.Addr().String())
	if err := http.Serve(lis, mux); err != nil {
		logger.Error("prometheus metrics server stopped", "error", err)
	}
}
