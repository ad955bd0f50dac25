package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/checkpointstore"
	"github.com/cuemby/warren/pkg/containerizer"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/executorsup"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/recovery"
	"github.com/cuemby/warren/pkg/statusupdate"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/volume"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the agent's flag surface for YAML bootstrap
// files, the same "apply -f manifest.yaml" idiom the teacher's CLI
// uses for cluster resources. Flags override whatever a config file
// sets for the same field.
type fileConfig struct {
	WorkDir   string `yaml:"work_dir"`
	Hostname  string `yaml:"hostname"`
	Domain    string `yaml:"domain"`
	Resources string `yaml:"resources"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

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
	Use:     "agent",
	Short:   "Agent runs AgentCore: per-host task and executor lifecycle",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agent version %s (%s)\n", Version, Commit))
	cobra.OnInitialize(initLogging)

	f := rootCmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Output logs in JSON format")
	f.StringP("config", "f", "", "YAML bootstrap file supplying work-dir/hostname/domain/resources defaults (flags override)")
	f.String("work-dir", "./agent-data", "Directory for the on-disk checkpoint tree")
	f.String("hostname", "", "Agent hostname (defaults to os.Hostname())")
	f.String("domain", "", "Fault domain region")
	f.String("resources", "cpus:4,mem:4096,disk:20480", "Comma-separated name:scalar resource list")
	f.String("recover", "reconnect", "Recovery mode on restart: reconnect or cleanup")
	f.String("reconfiguration-policy", "equal", "How to react to changed agent info on restart: equal or additive")
	f.Duration("registration-backoff-factor", time.Second, "Base backoff between registration retries")
	f.Duration("authentication-backoff-factor", time.Second, "Base backoff between authentication retries")
	f.Duration("master-ping-timeout", 75*time.Second, "Time without a master ping before reregistering")
	f.Duration("executor-registration-timeout", time.Minute, "Time a freshly launched executor has to subscribe")
	f.Duration("executor-reregistration-timeout", 2*time.Minute, "Time a recovered executor has to re-subscribe")
	f.Duration("executor-reregistration-retry-interval", 0, "Retry interval for a dropped reconnect attempt, 0 to disable")
	f.Duration("executor-shutdown-grace-period", 5*time.Second, "Grace period before a shutting-down executor is destroyed")
	f.Duration("status-update-retry-interval", 5*time.Second, "Retry interval for unacknowledged status updates")
	f.String("metrics-addr", "127.0.0.1:9091", "Address for the metrics/health HTTP server")
	f.String("grpc-addr", "127.0.0.1:9551", "Address for the agent's gRPC health service (the AgentTransport/MasterTransport wire shape)")
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOutput, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd/agent")

	configPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}

	workDir, _ := cmd.Flags().GetString("work-dir")
	hostname, _ := cmd.Flags().GetString("hostname")
	domain, _ := cmd.Flags().GetString("domain")
	resourceSpec, _ := cmd.Flags().GetString("resources")
	if !cmd.Flags().Changed("work-dir") && fileCfg.WorkDir != "" {
		workDir = fileCfg.WorkDir
	}
	if !cmd.Flags().Changed("hostname") && fileCfg.Hostname != "" {
		hostname = fileCfg.Hostname
	}
	if !cmd.Flags().Changed("domain") && fileCfg.Domain != "" {
		domain = fileCfg.Domain
	}
	if !cmd.Flags().Changed("resources") && fileCfg.Resources != "" {
		resourceSpec = fileCfg.Resources
	}
	recoverMode, _ := cmd.Flags().GetString("recover")
	reconfigPolicy, _ := cmd.Flags().GetString("reconfiguration-policy")
	registrationBackoff, _ := cmd.Flags().GetDuration("registration-backoff-factor")
	authBackoff, _ := cmd.Flags().GetDuration("authentication-backoff-factor")
	pingTimeout, _ := cmd.Flags().GetDuration("master-ping-timeout")
	execRegTimeout, _ := cmd.Flags().GetDuration("executor-registration-timeout")
	execReregTimeout, _ := cmd.Flags().GetDuration("executor-reregistration-timeout")
	execReregRetry, _ := cmd.Flags().GetDuration("executor-reregistration-retry-interval")
	execShutdownGrace, _ := cmd.Flags().GetDuration("executor-shutdown-grace-period")
	statusRetry, _ := cmd.Flags().GetDuration("status-update-retry-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")

	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		hostname = h
	}

	resources, err := parseResources(resourceSpec)
	if err != nil {
		return fmt.Errorf("parse --resources: %w", err)
	}

	store, err := checkpointstore.NewBoltStore(workDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	volumes, err := volume.NewManager(workDir)
	if err != nil {
		return fmt.Errorf("open volume manager: %w", err)
	}

	cz := containerizer.New()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	agentID := uuid.New().String()
	transport := &loggingTransport{logger: logger}
	statusMgr := statusupdate.New(transport, statusRetry, nil)

	sup := executorsup.New(cz, transport, execRegTimeout, execShutdownGrace,
		func(update types.StatusUpdate) {
			statusMgr.Forward(update)
			if update.State.IsTerminal() {
				broker.Publish(&events.Event{
					ID:   uuid.New().String(),
					Type: events.EventTaskTerminal,
					Metadata: map[string]string{
						"task_id": update.TaskID,
						"state":   string(update.State),
					},
				})
			}
		},
		func(frameworkID, executorID string) {
			logger.Info().Str("framework_id", frameworkID).Str("executor_id", executorID).Msg("executor exited")
			broker.Publish(&events.Event{
				ID:   uuid.New().String(),
				Type: events.EventExecutorTerminated,
				Metadata: map[string]string{
					"framework_id": frameworkID,
					"executor_id":  executorID,
				},
			})
		})

	cfg := agentcore.DefaultConfig()
	cfg.WorkDir = workDir
	cfg.Recover = agentcore.RecoverMode(recoverMode)
	cfg.MasterPingTimeout = pingTimeout
	cfg.RegistrationBackoffFactor = registrationBackoff
	cfg.AuthenticationBackoffFactor = authBackoff
	cfg.ExecutorRegistrationTimeout = execRegTimeout
	cfg.ExecutorReregistrationTimeout = execReregTimeout
	cfg.ExecutorReregistrationRetryInterval = execReregRetry
	cfg.ExecutorShutdownGracePeriod = execShutdownGrace

	core := agentcore.New(cfg, agentID, sup, store, statusMgr, transport)

	recEngine := recovery.New(recovery.Config{
		ReconfigurationPolicy:               recovery.ReconfigurationPolicy(reconfigPolicy),
		Recover:                             cfg.Recover,
		ExecutorReregistrationTimeout:       execReregTimeout,
		ExecutorReregistrationRetryInterval: execReregRetry,
	}, store, volumes, cz, transport)

	configured := &types.Agent{
		ID:       agentID,
		Hostname: hostname,
		Domain:   domain,
		Total:    resources,
	}

	bootID, err := readOrCreateBootID(workDir)
	if err != nil {
		return fmt.Errorf("boot id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := recEngine.Run(ctx, core, sup, configured, bootID); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	core.Start()
	defer core.Stop()

	broker.Publish(&events.Event{
		ID:   uuid.New().String(),
		Type: events.EventAgentAdded,
		Metadata: map[string]string{
			"agent_id": agentID,
			"hostname": hostname,
		},
	})

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Str("agent_id", agentID).Str("hostname", hostname).Msg("agent started")

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("agent", grpc_health_v1.HealthCheckResponse_SERVING)
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

// parseResources parses a "name:scalar,name:scalar" resource list, the
// CLI shorthand for the Resources a Mesos agent advertises at startup.
func parseResources(spec string) (types.Resources, error) {
	var resources types.Resources
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameValue := strings.SplitN(part, ":", 2)
		if len(nameValue) != 2 {
			return nil, fmt.Errorf("invalid resource %q, want name:scalar", part)
		}
		scalar, err := strconv.ParseFloat(nameValue[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid scalar for %q: %w", nameValue[0], err)
		}
		resources = append(resources, types.Resource{
			Name:   nameValue[0],
			Type:   types.ValueScalar,
			Scalar: scalar,
			Role:   "*",
		})
	}
	return resources, nil
}

func readOrCreateBootID(workDir string) (string, error) {
	path := workDir + "/boot_id"
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	id := uuid.New().String()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// loggingTransport is the agent->master wire transport's placeholder:
// the RPC encoding itself is declared out of scope, so this only logs
// what would otherwise cross the network.
type loggingTransport struct {
	logger zerolog.Logger
}

func (t *loggingTransport) Register(info *types.Agent, checkpointedResources types.Resources, resourceVersionUUID string) error {
	t.logger.Info().Str("agent_id", info.ID).Msg("register")
	return nil
}

func (t *loggingTransport) Reregister(info *types.Agent, tasks []*types.Task, executors []*types.Executor) error {
	t.logger.Info().Str("agent_id", info.ID).Int("tasks", len(tasks)).Int("executors", len(executors)).Msg("reregister")
	return nil
}

func (t *loggingTransport) ExitedExecutor(frameworkID, executorID string) {
	t.logger.Info().Str("framework_id", frameworkID).Str("executor_id", executorID).Msg("exited executor")
}

func (t *loggingTransport) UnregisterSlave() {
	t.logger.Info().Msg("unregister slave")
}

func (t *loggingTransport) UpdateSlave(agentID string, total types.Resources) error {
	t.logger.Info().Str("agent_id", agentID).Msg("update slave")
	return nil
}

func (t *loggingTransport) ReconnectExecutor(frameworkID, executorID string) error {
	t.logger.Info().Str("framework_id", frameworkID).Str("executor_id", executorID).Msg("reconnect executor")
	return nil
}

func (t *loggingTransport) Send(ctx context.Context, update types.StatusUpdate) error {
	t.logger.Info().Str("task_id", update.TaskID).Str("state", string(update.State)).Msg("status update")
	return nil
}

func (t *loggingTransport) KillTask(ctx context.Context, frameworkID, executorID, taskID string, policy *types.KillPolicy) error {
	t.logger.Info().Str("framework_id", frameworkID).Str("executor_id", executorID).Str("task_id", taskID).Msg("kill task")
	return nil
}
