package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"safehold/config"
	"safehold/core/events"
	"safehold/core/state"
	"safehold/native/common"
	"safehold/native/dispute"
	"safehold/native/emergency"
	"safehold/native/escrow"
	"safehold/native/registry"
	"safehold/native/reputation"
	"safehold/native/timelock"
	"safehold/observability/logging"
	"safehold/rpc"
	"safehold/storage"
)

const adminTokenEnv = "SAFEHOLD_ADMIN_TOKEN"

// logEmitter forwards engine events into the structured log so operators can
// follow escrow lifecycles without a dedicated event bus.
type logEmitter struct {
	log *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	if e.log == nil || evt == nil {
		return
	}
	e.log.Info("event", "type", evt.EventType())
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SAFEHOLD_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Env
	}
	logger := logging.Setup(cfg.Service, env)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	admin, err := config.ParseAddress(cfg.AdminAddress)
	if err != nil {
		return err
	}
	escrowVault, err := config.ParseAddress(cfg.Registry.EscrowVault)
	if err != nil {
		return err
	}
	feeVault, err := config.ParseAddress(cfg.Registry.FeeVault)
	if err != nil {
		return err
	}
	disputeVault, err := config.ParseAddress(cfg.Registry.DisputeVault)
	if err != nil {
		return err
	}
	creationFee, err := config.ParseAmount(cfg.Registry.CreationFee)
	if err != nil {
		return err
	}
	minStake, err := config.ParseAmount(cfg.Dispute.MinStake)
	if err != nil {
		return err
	}
	arbitratorFee, err := config.ParseAmount(cfg.Dispute.ArbitratorFee)
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	mgr := state.NewManager(db)
	emitter := logEmitter{log: logger}

	engine := escrow.NewEngine(mgr, escrowVault)
	engine.SetEmitter(emitter)
	engine.SetLogger(logger.With("module", "escrow"))

	reg, err := registry.NewRegistry(mgr, engine, admin, feeVault, creationFee, cfg.Registry.Template)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	reg.SetEmitter(emitter)

	policy, err := timelock.New(admin, timelock.Config{
		MinDuration:        cfg.TimeLock.MinDuration,
		MaxDuration:        cfg.TimeLock.MaxDuration,
		DefaultDuration:    cfg.TimeLock.DefaultDuration,
		EmergencyExtension: cfg.TimeLock.EmergencyExtension,
		DisputeExtension:   cfg.TimeLock.DisputeExtension,
		Tiers:              timelock.DefaultConfig().Tiers,
	})
	if err != nil {
		return fmt.Errorf("timelock: %w", err)
	}

	emergencyEngine, err := emergency.NewEngine(mgr, admin, emergency.Config{
		ResponseTime:         cfg.Emergency.ResponseTime,
		Cooldown:             cfg.Emergency.Cooldown,
		MaxActivationsPerDay: cfg.Emergency.MaxActivationsPerDay,
		AutoLock:             cfg.Emergency.AutoLock,
		BaseExtension:        cfg.Emergency.BaseExtension,
		MaxExtension:         cfg.Emergency.MaxExtension,
	})
	if err != nil {
		return fmt.Errorf("emergency: %w", err)
	}
	emergencyEngine.SetEmitter(emitter)
	emergencyEngine.SetLogger(logger.With("module", "emergency"))
	emergencyEngine.SetEscrowChecker(reg)

	disputes, err := dispute.NewRegistry(mgr, admin, disputeVault, dispute.Config{
		AutoResolveTimeout: cfg.Dispute.AutoResolveTimeout,
		ArbitratorTimeout:  cfg.Dispute.ArbitratorTimeout,
		MinStake:           minStake,
		ArbitratorFee:      arbitratorFee,
	})
	if err != nil {
		return fmt.Errorf("dispute: %w", err)
	}
	disputes.SetEmitter(emitter)

	ledger, err := reputation.NewLedger(mgr, admin, reputation.Config{
		MinTradeCount:     cfg.Reputation.MinTradeCount,
		TrustThreshold:    cfg.Reputation.TrustThreshold,
		MaxPenaltyPerCall: cfg.Reputation.MaxPenaltyCall,
		MaxPenaltyPoints:  cfg.Reputation.MaxPenaltyTotal,
		PenaltyCooldown:   cfg.Reputation.PenaltyCooldown,
	})
	if err != nil {
		return fmt.Errorf("reputation: %w", err)
	}

	for name, handle := range map[string]interface{}{
		registry.ModuleTimeLock:   policy,
		registry.ModuleEmergency:  emergencyEngine,
		registry.ModuleDispute:    disputes,
		registry.ModuleReputation: ledger,
	} {
		if err := reg.SetModule(admin, name, handle); err != nil {
			return fmt.Errorf("wire module %s: %w", name, err)
		}
	}

	authToken := strings.TrimSpace(os.Getenv(adminTokenEnv))
	if authToken == "" {
		authToken = cfg.AdminToken
	}
	if authToken == "" {
		logger.Warn("no admin token configured, administrative methods disabled")
	}

	server := rpc.NewServer(rpc.Modules{
		Registry:   reg,
		Escrow:     engine,
		TimeLock:   policy,
		Emergency:  emergencyEngine,
		Disputes:   disputes,
		Reputation: ledger,
	}, authToken, common.Quota{
		MaxPerEpoch:  cfg.RateLimit.MaxPerEpoch,
		EpochSeconds: cfg.RateLimit.EpochSeconds,
	}, logger.With("module", "rpc"))

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("json-rpc listening", "addr", cfg.RPCAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
