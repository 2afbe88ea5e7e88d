package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"predix-agent-backend/internal/config"
	"predix-agent-backend/internal/db"
	"predix-agent-backend/internal/events"
	"predix-agent-backend/internal/lock"
	"predix-agent-backend/internal/orchestrator"
	"predix-agent-backend/internal/reasoning"
	"predix-agent-backend/internal/sports"
	"predix-agent-backend/internal/store"
	"predix-agent-backend/internal/tools"
)

// app holds the long-lived dependencies of a running process.
type app struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	publisher *events.Publisher
	channel   *gochannel.GoChannel
	redis     *redis.Client
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	reasoner, err := newReasoner(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.LockBackend == "redis" || cfg.Events == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr)
		}
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedis(a.redis, cfg.TurnTimeout+10*time.Second)
	}

	if err := a.setupEvents(cfg); err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Store:       st,
		Registry:    tools.NewRegistry(),
		Reasoner:    reasoner,
		Provider:    newProvider(cfg),
		Locker:      locker,
		Events:      a.publisher,
		TurnTimeout: cfg.TurnTimeout,
		MaxSteps:    cfg.MaxToolSteps,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) setupEvents(cfg config.Config) error {
	adapter := events.NewZerologAdapter(log.Logger)
	switch cfg.Events {
	case "gochannel":
		a.channel = events.NewGoChannel(adapter)
		a.publisher = events.NewPublisher(a.channel, cfg.EventsTopic)
	case "redis":
		pub, err := events.NewRedisStream(a.redis, adapter)
		if err != nil {
			return err
		}
		a.publisher = events.NewPublisher(pub, cfg.EventsTopic)
	default:
		a.publisher = events.Noop()
	}
	return nil
}

// runBackground starts the in-process turn event consumer, if any.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) {
	if a.channel == nil {
		return
	}
	msgs, err := a.channel.Subscribe(ctx, a.publisher.Topic())
	if err != nil {
		log.Warn().Err(err).Msg("subscribe to turn events")
		return
	}
	g.Go(func() error {
		for msg := range msgs {
			var ev events.TurnEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("msg_id", msg.UUID).Msg("bad turn event")
			} else {
				log.Debug().Str("conv_id", ev.ConversationID).Str("message_type", ev.MessageType).
					Str("flow_state", ev.FlowState).Strs("tools", ev.Tools).Msg("turn event")
			}
			msg.Ack()
		}
		return nil
	})
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("close event publisher")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case "bolt":
		if err := ensureDir(cfg.StorePath); err != nil {
			return nil, err
		}
		return store.NewFileStore(cfg.StorePath)
	case "postgres", "sqlite":
		database, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(ctx); err != nil {
			database.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		log.Info().Str("driver", database.Driver).Msg("database migrations completed")
		return store.NewDatabaseStore(database), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openDatabase(cfg config.Config) (*db.DB, error) {
	if cfg.Store == "postgres" {
		return db.New(db.Postgres, cfg.DatabaseURL)
	}
	if err := ensureDir(cfg.StorePath); err != nil {
		return nil, err
	}
	return db.New(db.SQLite, cfg.StorePath)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return errors.Wrap(os.MkdirAll(dir, 0o755), "create data directory")
}

func newProvider(cfg config.Config) sports.Provider {
	switch cfg.SportsProvider {
	case "mock":
		return sports.NewMockProvider(time.Now())
	case "unavailable":
		log.Warn().Msg("sports provider disabled; searches will fail")
		return sports.Unavailable{}
	default:
		return sports.NewAPISportsClient(cfg.SportsAPIURL, cfg.SportsAPIKey, cfg.SportsSeason)
	}
}

func newReasoner(cfg config.Config) (reasoning.Reasoner, error) {
	if cfg.Reasoner == "heuristic" {
		return reasoning.NewHeuristicReasoner(), nil
	}
	prompt, err := reasoning.LoadPromptSpec(cfg.PromptFile)
	if err != nil {
		return nil, err
	}
	window, err := reasoning.NewWindow(cfg.HistoryTokenBudget)
	if err != nil {
		return nil, err
	}
	client := reasoning.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	return reasoning.NewOpenAIReasoner(client, cfg.Model, prompt, window), nil
}
