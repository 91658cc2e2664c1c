package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hivecompute/hive/pkg/agent"
	"github.com/hivecompute/hive/pkg/api"
	"github.com/hivecompute/hive/pkg/client"
	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/dispatch"
	"github.com/hivecompute/hive/pkg/events"
	"github.com/hivecompute/hive/pkg/lock"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/reconciler"
	"github.com/hivecompute/hive/pkg/scheduler"
	"github.com/hivecompute/hive/pkg/slots"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a manager node",
	Long: `Run the hive control plane: the replicated store, the scheduler,
the dispatcher, the reconciler and the northbound API.

The first manager starts with --bootstrap; further replicas join with
--join and a token from 'hive join-token manager'.`,
	RunE: runManager,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker agent",
	RunE:  runAgent,
}

var joinTokenCmd = &cobra.Command{
	Use:   "join-token [manager|agent]",
	Short: "Generate a join token on a running manager",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Tokens are minted by the manager process; this is a thin
		// convenience around the config-local token store.
		return fmt.Errorf("join tokens are printed by the manager at startup; see its log")
	},
}

func init() {
	managerCmd.Flags().String("config", "", "Path to config file")
	managerCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster")
	managerCmd.Flags().String("join", "", "Manager address to join")
	managerCmd.Flags().String("join-token", "", "Token authorizing the join")

	agentCmd.Flags().String("id", "", "Agent ID (defaults to hostname)")
	agentCmd.Flags().String("listen", "127.0.0.1:7200", "Southbound RPC listen address")
	agentCmd.Flags().String("advertise", "", "Address the manager should dial (defaults to listen)")
	agentCmd.Flags().String("group", "default", "Resource group")
	agentCmd.Flags().String("arch", "x86_64", "CPU architecture")
	agentCmd.Flags().String("slots", "cpu=8,mem=64G", "Total capacity, name=amount pairs")
	agentCmd.Flags().Duration("heartbeat", 5*time.Second, "Heartbeat interval")
}

func runManager(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	joinAddr, _ := cmd.Flags().GetString("join")
	joinToken, _ := cmd.Flags().GetString("join-token")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bootstrap {
		cfg.Cluster.Bootstrap = true
	}
	if joinAddr != "" {
		cfg.Cluster.JoinAddr = joinAddr
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
	})
	logger := log.WithComponent("main")

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.Cluster.NodeID,
		RaftAddr: cfg.Cluster.RaftAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return err
	}

	switch {
	case cfg.Cluster.Bootstrap:
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		token, err := mgr.GenerateJoinToken("manager")
		if err == nil {
			logger.Info().Str("token", token.Token).Msg("manager join token")
		}
	case cfg.Cluster.JoinAddr != "":
		join := func(nodeID, raftAddr, token string) error {
			cli, err := client.Connect(cfg.Cluster.JoinAddr)
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err = cli.JoinCluster(ctx, nodeID, raftAddr, token)
			return err
		}
		if err := mgr.Join(join, joinToken); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}

	locker, err := buildLocker(cfg)
	if err != nil {
		return err
	}

	fencedToken := func() uint64 {
		states, err := mgr.Store().ListSchedulerStates()
		if err != nil {
			return 0
		}
		var max uint64
		for _, state := range states {
			if state.FencedToken > max {
				max = state.FencedToken
			}
		}
		return max
	}
	dispatcher := dispatch.New(mgr, cfg, nil, fencedToken)
	recon := reconciler.New(mgr, dispatcher, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	groups := map[string]bool{"default": true}
	for group := range cfg.Scheduler.Groups {
		groups[group] = true
	}
	for group := range groups {
		sched, err := scheduler.New(group, mgr, locker, cfg, nil)
		if err != nil {
			return err
		}
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("scheduler stopped")
			}
		}()
	}
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dispatcher stopped")
		}
	}()
	go func() {
		if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("reconciler stopped")
		}
	}()

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bus := events.NewRedisBus(rdb, mgr.EventBroker(), cfg.Cluster.NodeID)
		go func() {
			if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("redis event bus stopped")
			}
		}()
	}

	metrics.SetComponentHealth("store", true, "")
	metrics.SetComponentHealth("raft", false, "waiting for leader")

	collector := metrics.NewCollector(mgr)
	collector.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	schemas := slots.NewRegistry()
	schemas.Register(slots.DefaultSchema("default"))
	for group, override := range cfg.Scheduler.Groups {
		schema := slots.DefaultSchema(group)
		for name, slotType := range override.Slots {
			schema.Types[name] = slots.SlotType(slotType)
		}
		schemas.Register(schema)
	}

	apiServer := api.NewServer(mgr, dispatcher, schemas, cfg)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(cfg.ListenAddr) }()
	metrics.SetComponentHealth("api", true, "")

	if cfg.ReadOnlyAddr != "" {
		roLis, err := net.Listen("tcp", cfg.ReadOnlyAddr)
		if err != nil {
			return fmt.Errorf("read-only listener: %w", err)
		}
		go func() {
			if err := apiServer.StartReadOnly(roLis); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("read-only server stopped")
			}
		}()
	}

	logger.Info().
		Str("node_id", cfg.Cluster.NodeID).
		Str("listen", cfg.ListenAddr).
		Msg("manager running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-apiErr:
		logger.Error().Err(err).Msg("api server failed")
	}

	cancel()
	apiServer.Stop()
	collector.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return mgr.Shutdown()
}

func buildLocker(cfg *config.Config) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case lock.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return lock.NewRedisLocker(rdb), nil
	case lock.BackendFile:
		dir := cfg.Lock.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "locks")
		}
		return lock.NewFileLocker(dir)
	default:
		return lock.NewBoltLocker(cfg.DataDir)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	listen, _ := cmd.Flags().GetString("listen")
	advertise, _ := cmd.Flags().GetString("advertise")
	group, _ := cmd.Flags().GetString("group")
	arch, _ := cmd.Flags().GetString("arch")
	slotSpec, _ := cmd.Flags().GetString("slots")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")

	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		id = hostname
	}
	total, err := slots.Parse(slotSpec, slots.DefaultSchema(group))
	if err != nil {
		return fmt.Errorf("parse slots: %w", err)
	}

	log.Init(log.Config{Level: log.InfoLevel})

	cli, err := client.Connect(managerAddr)
	if err != nil {
		return err
	}
	defer cli.Close()

	daemon := agent.New(&agent.Config{
		ID:                id,
		ListenAddr:        listen,
		AdvertiseAddr:     advertise,
		ResourceGroup:     group,
		Arch:              arch,
		Total:             total,
		HeartbeatInterval: heartbeat,
	}, agent.NewFakeRuntime(), cli)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()
	err = daemon.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
