package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/binlogtap/admin"
	"github.com/maxpert/binlogtap/cfg"
	"github.com/maxpert/binlogtap/checkpoint"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/protocol"
	"github.com/maxpert/binlogtap/publisher"
	_ "github.com/maxpert/binlogtap/publisher/sink"
	_ "github.com/maxpert/binlogtap/publisher/transformer"
	"github.com/maxpert/binlogtap/schema"
	"github.com/maxpert/binlogtap/stream"
	"github.com/maxpert/binlogtap/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint32("server_id", cfg.Config.Source.ServerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("source", cfg.Config.Address()).Msg("binlogtap - MySQL binlog change stream")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("binlogtap stopped")
	}
	log.Info().Msg("binlogtap stopped")
}

func run(ctx context.Context) error {
	conf := cfg.Config

	repo, err := schema.NewMySQLRepository(schema.MySQLOptions{
		Address:        conf.Address(),
		User:           conf.Source.User,
		Password:       conf.Source.Password,
		ConnectTimeout: conf.ConnectTimeout(),
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	tables, err := schema.NewCache(conf.TableCache.Size, repo)
	if err != nil {
		return err
	}

	mode := position.ModeFile
	if conf.Start.GTIDEnabled {
		mode = position.ModeGTID
	}

	var store *checkpoint.Store
	if conf.Checkpoint.Enabled {
		store, err = checkpoint.Open(conf.CheckpointDir())
		if err != nil {
			return err
		}
		defer store.Close()
	}

	start, err := startPosition(conf, store, mode)
	if err != nil {
		return err
	}

	tableFilter, err := publisher.NewGlobFilter(conf.Filter.Tables, conf.Filter.Databases)
	if err != nil {
		return err
	}
	var matcher stream.TableMatcher
	if !tableFilter.IsEmpty() {
		matcher = tableFilter
	}
	filter, err := stream.NewFilter(conf.Filter.EventsOnly, conf.Filter.EventsIgnore, matcher)
	if err != nil {
		return err
	}

	connector := stream.NewSessionConnector(stream.SessionOptions{
		Session: protocol.Options{
			Address:        conf.Address(),
			User:           conf.Source.User,
			Password:       conf.Source.Password,
			Charset:        conf.Source.Charset,
			ConnectTimeout: conf.ConnectTimeout(),
		},
		ServerID:   conf.Source.ServerID,
		ReportHost: conf.Source.ReportHost,
		Heartbeat:  conf.HeartbeatPeriod(),
	}, repo)

	engine, err := stream.NewEngine(connector, tables, repo, stream.Options{
		Start:         start,
		Mode:          mode,
		RetryAttempts: conf.Retry.Attempts,
		Backoff:       conf.Backoff(),
		Filter:        filter,
	})
	if err != nil {
		return err
	}

	// Sinks see a transaction before the checkpoint moves past it
	var registry *publisher.Registry
	var backlog telemetry.BacklogProvider
	var adminBacklog admin.BacklogSource
	if len(conf.Sinks) > 0 {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     conf.DataDir,
			SinkConfigs: conf.Sinks,
		})
		if err != nil {
			return err
		}
		if err := registry.Start(); err != nil {
			return err
		}
		defer registry.Stop()

		engine.Subscribe(registry.Subscriber(nil))
		backlog, adminBacklog = registry, registry
		log.Info().Strs("sinks", registry.Sinks()).Msg("Publishing row changes")
	}

	var checkpointer *checkpoint.Checkpointer
	if store != nil {
		checkpointer = checkpoint.NewCheckpointer(store, engine, conf.Checkpoint.Every)
		engine.Subscribe(checkpointer)
	}

	collector := telemetry.NewMetricsCollector(engine, backlog, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := engine.Run(gctx)
		if checkpointer != nil {
			if ferr := checkpointer.Flush(); ferr != nil {
				log.Error().Err(ferr).Msg("Failed to flush checkpoint")
			}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	})

	if conf.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", conf.Admin.Address, conf.Admin.Port)
		handlers := admin.NewHandlers(engine, adminBacklog, telemetry.GetMetricsHandler())
		router := admin.NewRouter(handlers, conf.Admin.Secret)
		g.Go(func() error {
			return admin.Serve(gctx, addr, router)
		})
	}

	return g.Wait()
}

// startPosition prefers an explicit configured start, then a checkpoint of
// the same mode. The zero Position lets the engine ask the server.
func startPosition(conf *cfg.Configuration, store *checkpoint.Store, mode position.Mode) (position.Position, error) {
	pos, ok, err := conf.StartPosition()
	if err != nil {
		return position.Position{}, err
	}
	if ok {
		log.Info().Str("position", pos.String()).Msg("Starting from configured position")
		return pos, nil
	}

	if store != nil {
		saved, found, err := store.Load()
		if err != nil {
			return position.Position{}, err
		}
		switch {
		case found && saved.Position.Mode == mode:
			log.Info().
				Str("position", saved.Position.String()).
				Time("saved_at", saved.SavedAt).
				Msg("Resuming from checkpoint")
			return saved.Position, nil
		case found:
			log.Warn().
				Str("checkpoint_mode", saved.Position.Mode.String()).
				Str("mode", mode.String()).
				Msg("Ignoring checkpoint saved in a different mode")
		}
	}

	log.Info().Str("mode", mode.String()).Msg("Starting from the server's current position")
	return position.Position{}, nil
}
