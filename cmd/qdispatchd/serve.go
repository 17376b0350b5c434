package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/qdispatch/internal/books"
	runtimepkg "github.com/drblury/qdispatch/internal/runtime"
	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
)

func newServeCommand(envFile *string) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the book request queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			log, err := newLogger(conf)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf, log, seed, runtimepkg.ServiceDependencies{})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", true, "Load the sample catalogue into the book store")
	return cmd
}

func serve(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, seed bool, deps runtimepkg.ServiceDependencies) error {
	store, err := newStore(conf)
	if err != nil {
		return err
	}

	handler := books.NewHandler(store, conf.SourceQueue)

	svc, err := runtimepkg.NewService(conf, log, ctx, deps)
	if err != nil {
		return errors.Join(err, handler.Stop(ctx))
	}

	if err := runtimepkg.RegisterHandler[books.Request](svc, handler, runtimepkg.WithHandlerName("books")); err != nil {
		// The handler never joined the service, so its store is closed here.
		return errors.Join(err, svc.Stop(), handler.Stop(ctx))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(ctx)
	})
	g.Go(func() error {
		select {
		case <-svc.Running():
		case <-ctx.Done():
			return nil
		}
		if !seed {
			return nil
		}
		if err := books.Seed(ctx, store, books.SampleCatalogue()); err != nil {
			return err
		}
		log.Info("Seeded book catalogue", loggingpkg.LogFields{"store": conf.BooksStore})
		return nil
	})
	return g.Wait()
}

func newStore(conf *configpkg.Config) (books.Store, error) {
	switch conf.BooksStore {
	case "", "memory":
		return books.NewMemoryStore(), nil
	case "redis":
		return books.OpenRedisStore(conf.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported books store %q", conf.BooksStore)
	}
}
