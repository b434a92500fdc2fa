package platform

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/agent"
	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
	"github.com/forgelight-games/forgelight-fleet/internal/pool"
	"github.com/forgelight-games/forgelight-fleet/internal/session"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
	"github.com/forgelight-games/forgelight-fleet/pkg/config"
	"github.com/forgelight-games/forgelight-fleet/pkg/httpserver"
	"github.com/forgelight-games/forgelight-fleet/pkg/logging"
	"github.com/forgelight-games/forgelight-fleet/pkg/observability"
	"github.com/forgelight-games/forgelight-fleet/pkg/storage"
	"github.com/rs/zerolog"
)

const sessionTokenTTL = 24 * time.Hour

// RunCoordinator boots the session coordinator service: session hosting,
// fleet placement, and the ops surface.
func RunCoordinator() error {
	cfg, err := config.Load("coordinator")
	if err != nil {
		return err
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)
	logger.Info().Msg("loading shared dependencies")

	shutdownOTEL, err := observability.InitOTEL(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	db, err := storage.NewPostgres(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := storage.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	natsConn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := fleet.NewScheduler(natsConn, logger)
	listener := fleet.NewListener(natsConn, scheduler, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Close()

	serverPool, err := newServerPool(cfg, scheduler, logger)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()
	serverPool.SetExitHandler(func(gs *pool.GameServer) {
		if coordinator, ok := registry.Get(gs.SessionID); ok {
			coordinator.InstanceExited()
		}
	})
	statusStore := session.NewRedisStatusStore(redisClient, sessionTokenTTL)
	manager := session.NewManager(ctx, registry, session.Options{
		Pool:       serverPool,
		Tokens:     session.NewTokenIssuer(cfg.SessionSecret, sessionTokenTTL),
		Recorder:   session.NewPostgresRepository(db),
		StatusSink: statusStore,
		Publisher:  natsConn,
	}, natsConn, logger)

	httpserver.RegisterGauge("fgf_sessions_hosted", "Sessions hosted by this coordinator.", func() float64 {
		return float64(registry.Len())
	})
	httpserver.RegisterGauge("fgf_game_servers_running", "Game servers running for hosted sessions.", func() float64 {
		return float64(serverPool.ServersRunning())
	})

	mux := httpserver.NewMux(cfg.ServiceName)
	session.NewHandler(registry, statusStore, manager).Register(mux)
	return httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout)
}

// newServerPool picks the game-server pool from the template config: a
// container image places on the fleet, an executable spawns local child
// processes, and neither means servers are provisioned out of band.
func newServerPool(cfg config.Config, scheduler *fleet.Scheduler, logger zerolog.Logger) (pool.ServerPool, error) {
	switch {
	case cfg.GameServerImage != "":
		return pool.NewFleetPool(scheduler, pool.FleetOptions{
			Image:            cfg.GameServerImage,
			ClusterEndpoints: cfg.ClusterEndpoints,
			AccountID:        cfg.AccountID,
			ApplicationName:  cfg.ApplicationName,
			ReservedCPU:      1,
			ReservedMemory:   1 << 30,
		}, logger), nil
	case cfg.GameServerExecutable != "":
		return pool.NewLocalPool(pool.LocalOptions{
			Executable:       cfg.GameServerExecutable,
			ClusterEndpoints: cfg.ClusterEndpoints,
			AccountID:        cfg.AccountID,
			ApplicationName:  cfg.ApplicationName,
			PortFirst:        uint16(cfg.PortRangeStart),
			PortLast:         uint16(cfg.PortRangeEnd),
		}, logger)
	default:
		return pool.NewExternalPool(), nil
	}
}

// RunScheduler boots a standalone fleet registry with its ops surface.
func RunScheduler() error {
	cfg, err := config.Load("scheduler")
	if err != nil {
		return err
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)
	logger.Info().Msg("loading shared dependencies")

	shutdownOTEL, err := observability.InitOTEL(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	natsConn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := fleet.NewScheduler(natsConn, logger)
	listener := fleet.NewListener(natsConn, scheduler, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Close()

	httpserver.RegisterGauge("fgf_agents_connected", "Agents registered with this scheduler.", func() float64 {
		return float64(len(scheduler.Agents()))
	})

	mux := httpserver.NewMux(cfg.ServiceName)
	fleet.NewHandler(scheduler).Register(mux)
	return httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout)
}

// RunAgent boots the agent runtime on a worker machine.
func RunAgent() error {
	cfg, err := config.Load("agent")
	if err != nil {
		return err
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)

	natsConn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentID := cfg.AgentID
	if agentID == "" {
		agentID, err = os.Hostname()
		if err != nil {
			return err
		}
	}

	engine := agent.NewExecEngine()
	if err := engine.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("container engine unreachable at boot")
	}

	runtime, err := agent.NewRuntime(engine, agent.Options{
		AgentID:     agentID,
		Region:      cfg.AgentRegion,
		PublicIP:    cfg.AgentPublicIP,
		TotalCPU:    cfg.AgentMaxCPU,
		TotalMemory: int64(cfg.AgentMaxMemoryMB) << 20,
		PortFirst:   uint16(cfg.PortRangeStart),
		PortLast:    uint16(cfg.PortRangeEnd),
		Version:     cfg.Env,
	}, logger)
	if err != nil {
		return err
	}

	// Crash recovery: kill containers left over from a previous run.
	if err := runtime.Reap(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to reap leftover containers")
	}

	server := agent.NewServer(natsConn, runtime, contracts.AgentDescription{
		ID:          agentID,
		Region:      cfg.AgentRegion,
		Claims:      map[string]string{"agent.region": cfg.AgentRegion},
		TotalCPU:    cfg.AgentMaxCPU,
		TotalMemory: int64(cfg.AgentMaxMemoryMB) << 20,
	}, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Close()

	mux := httpserver.NewMux(cfg.ServiceName)
	return httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout)
}
