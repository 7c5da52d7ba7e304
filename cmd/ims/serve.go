package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/feed"
	httpapi "github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/interfaces/http"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/inventory"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/limits"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/locates"
	imslog "github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence/postgres"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/position"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/publisher"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/rules"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/scheduler"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/shortsell"
)

const positionGroup = "position-engine"

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	imslog.Setup(cfg.LogLevel)
	reg := metrics.DefaultRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event log.
	eventBus := bus.NewLogBus(bus.Config{
		Partitions: cfg.Bus.Partitions,
		DLQTopic:   cfg.Bus.DeadLetterTopic,
		Backoff: errs.BackoffConfig{
			MaxRetries:   cfg.Bus.MaxRetries,
			InitialDelay: cfg.Bus.InitialBackoff,
			MaxDelay:     cfg.Bus.MaxBackoff,
			Factor:       2.0,
			JitterPct:    0.10,
		},
	})
	if err := eventBus.Start(ctx); err != nil {
		return err
	}
	producer := bus.NewProducer(eventBus)

	// Row store.
	var repo *persistence.Repository
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = postgres.NewRepository(db, cfg.Postgres.QueryTimeout)
	} else {
		log.Warn().Msg("no postgres DSN configured, using in-memory repositories")
		repo = persistence.NewMemoryRepository()
	}

	// Limit counters.
	var lim limits.Service
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer client.Close()
		lim = limits.NewRedis(cfg.Limits, client)
	} else {
		log.Warn().Msg("no redis address configured, using in-memory limit counters")
		lim = limits.NewMemory(cfg.Limits)
	}

	// Reference data and rules.
	ref := refdata.NewStore(repo, cfg.Feeds.SourcePriority)
	if err := ref.WarmUp(ctx); err != nil {
		return err
	}
	ruleEng := rules.NewEngine(repo.Rules, reg)
	if err := ruleEng.WarmUp(ctx); err != nil {
		return err
	}
	if cfg.RulesPath != "" {
		n, err := ruleEng.LoadSeedDir(ctx, cfg.RulesPath)
		if err != nil {
			return err
		}
		log.Info().Int("rules", n).Str("dir", cfg.RulesPath).Msg("seed rules loaded")
	}

	// Position engine with snapshot recovery.
	snaps, err := position.NewSnapshotStore(cfg.Position.SnapshotDir)
	if err != nil {
		return err
	}
	engine := position.NewEngine(cfg.Position, snaps, reg)
	resume, err := engine.Recover()
	if err != nil {
		return err
	}
	seedOffsets(ctx, eventBus, resume)

	// Calculation and outbound layers.
	calc := inventory.NewCalculator(ref, ruleEng, lim, reg)
	engine.OnApplied(calc.OnPositionApplied)

	pub := publisher.NewPublisher(cfg.Publisher, eventBus, reg)
	calc.OnDelta(func(ctx context.Context, d domain.InventoryDelta) { pub.PublishDelta(ctx, d) })

	feeds := feed.NewService(cfg.Feeds, producer, ref, reg)

	gate := shortsell.NewGate(cfg.ShortSell, ref, lim, repo.Decisions, reg)
	gate.SetAvailability(func(securityID, unitID string) (domain.InventoryAvailability, bool) {
		for _, row := range calc.ListForSecurity(securityID) {
			if row.AggregationUnitID == unitID && row.Calculation == domain.CalcShortSell {
				return row, true
			}
		}
		return domain.InventoryAvailability{}, false
	})
	gate.OnDecision(func(ctx context.Context, d domain.ShortSellDecision) { pub.PublishShortSell(ctx, d) })
	gate.OnConsumed(func(ctx context.Context, securityID, unitID string, qty int64) {
		calc.NoteConsumption(ctx, securityID, unitID, domain.CalcShortSell, qty)
	})

	workflow := locates.NewWorkflow(cfg.Locates, ref, lim, repo.Decisions, reg)
	workflow.OnDecision(func(ctx context.Context, r domain.LocateRequest) { pub.PublishLocate(ctx, r) })
	workflow.OnConsumed(func(ctx context.Context, securityID, unitID string, qty int64) {
		calc.NoteConsumption(ctx, securityID, unitID, domain.CalcLocate, qty)
	})

	// Consumers.
	subscriptions := []struct {
		topic   string
		group   string
		handler bus.Handler
	}{
		{domain.TopicReferenceData, "refdata", ref.HandleEvent},
		{domain.TopicPositionSnapshots, positionGroup, engine.HandleEvent},
		{domain.TopicTrades, positionGroup, engine.HandleEvent},
		{domain.TopicContracts, "inventory", calc.HandleEvent},
		{domain.TopicMarketData, "inventory", calc.HandleEvent},
	}
	for _, sub := range subscriptions {
		if err := eventBus.Subscribe(ctx, sub.topic, sub.group, sub.handler); err != nil {
			return err
		}
	}

	// Housekeeping jobs. The hold sweep also expires decided locates so
	// their status matches the credited counters.
	sched := scheduler.New(cfg.Jobs, engine, &holdSweep{limits: lim, locates: workflow}, feeds)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := httpapi.NewServer(cfg.HTTP, httpapi.Services{
		Gate:      gate,
		Locates:   workflow,
		Rules:     ruleEng,
		Inventory: calc,
		RefData:   ref,
		Feeds:     feeds,
		Positions: engine,
		Bus:       eventBus,
		Publisher: pub,
		Repo:      repo,
		Metrics:   reg,
	})

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
		sched.Stop()
		gate.Drain()
		if err := pub.Close(); err != nil {
			log.Error().Err(err).Msg("publisher close failed")
		}
		if err := engine.SnapshotAll(); err != nil {
			log.Error().Err(err).Msg("final position snapshot failed")
		}
		return eventBus.Stop(shutdownCtx)
	})

	log.Info().Str("addr", srv.Addr()).Msg("ims started")
	return g.Wait()
}

// seedOffsets rewinds consumer groups to the offsets recovered from
// position snapshots, so replay picks up where the last snapshot left off.
func seedOffsets(ctx context.Context, b bus.EventBus, resume map[string]bus.GroupOffsets) {
	for topic, parts := range resume {
		for part, off := range parts {
			if off <= 0 {
				continue
			}
			if err := b.Commit(ctx, topic, positionGroup, part, off-1); err != nil {
				log.Error().Err(err).Str("topic", topic).Int("partition", part).Msg("offset seed failed")
			}
		}
	}
}

// holdSweep releases expired limit holds and flips the matching locate
// approvals to expired in one pass.
type holdSweep struct {
	limits  limits.Service
	locates *locates.Workflow
}

func (h *holdSweep) SweepExpiredHolds(ctx context.Context) (int, error) {
	released, err := h.limits.SweepExpiredHolds(ctx)
	if err != nil {
		return released, err
	}
	h.locates.ExpireDue(ctx)
	return released, nil
}
