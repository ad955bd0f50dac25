package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/allocator"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "allocator",
	Short:   "Allocator runs AllocatorCore: the periodic hierarchical DRF allocation loop",
	Version: Version,
	RunE:    runAllocator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("allocator version %s (%s)\n", Version, Commit))
	cobra.OnInitialize(initLogging)

	f := rootCmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Output logs in JSON format")
	f.Duration("allocation-interval", time.Second, "Time between allocation cycles")
	f.Duration("offer-filter-timeout", 5*time.Second, "Default offer filter duration")
	f.Bool("filter-gpu-resources", false, "Exclude GPU resources from frameworks lacking the GPU capability")
	f.String("master-region", "", "This master's own fault domain region, for region-aware filtering")
	f.String("metrics-addr", "127.0.0.1:9090", "Address for the metrics HTTP server")
	f.String("grpc-addr", "127.0.0.1:9550", "Address for the allocator's gRPC health service (the framework/agent registration wire shape)")
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOutput, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runAllocator(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd/allocator")

	allocationInterval, _ := cmd.Flags().GetDuration("allocation-interval")
	filterTimeout, _ := cmd.Flags().GetDuration("offer-filter-timeout")
	filterGPU, _ := cmd.Flags().GetBool("filter-gpu-resources")
	masterRegion, _ := cmd.Flags().GetString("master-region")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")

	cfg := allocator.Config{
		AllocationInterval: allocationInterval,
		FilterTimeout:      filterTimeout,
		FilterGPUResources: filterGPU,
		MasterRegion:       masterRegion,
	}

	core := allocator.New(cfg,
		func(offers []allocator.Offer) {
			for _, o := range offers {
				logger.Debug().Str("framework_id", o.FrameworkID).Str("agent_id", o.AgentID).Str("role", string(o.Role)).Msg("offer")
			}
		},
		func(offers []allocator.InverseOffer) {
			for _, o := range offers {
				logger.Debug().Str("framework_id", o.FrameworkID).Str("agent_id", o.AgentID).Msg("inverse offer")
			}
		})

	core.Start()
	defer core.Stop()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("allocator started")

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("allocator", grpc_health_v1.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server error")
		}
	}()
	logger.Info().Str("addr", grpcAddr).Msg("grpc health service listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()
	return nil
}
