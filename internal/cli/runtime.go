package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/events"
	"syncbridge/internal/logging"
	"syncbridge/internal/repository"
	"syncbridge/internal/service"

	"github.com/rs/zerolog"
)

// runtime is everything one invocation needs, built from the config file.
type runtime struct {
	cfg    *config.Config
	logger *zerolog.Logger
	broker *events.Broker
	store  domain.Store
	svc    *service.SyncService
	closer io.Closer
}

// openRuntime loads config, logger and store. One-shot commands log to stderr
// unless configured otherwise so stdout carries only the JSON result.
func openRuntime(ctx context.Context, opts *RootOptions, oneShot bool) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if oneShot && cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	broker := events.NewBroker(cfg.Logging.StreamSize)
	logger, closer, err := logging.New(cfg.Logging, cfg.App, broker)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "init logger", err)
	}

	store, err := repository.Open(ctx, cfg.Store, logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	vendors := opts.Vendors
	if vendors == nil {
		vendors = service.BundleFactory(cfg)
	}
	svc, err := service.NewSyncService(cfg, store, vendors, logger)
	if err != nil {
		_ = store.Close()
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, broker: broker, store: store, svc: svc, closer: closer}, nil
}

func (r *runtime) Close() error {
	errs := []error{r.store.Close()}
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
	}
	return errors.Join(errs...)
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// withRuntime runs fn against a freshly opened one-shot runtime.
func withRuntime(ctx context.Context, opts *RootOptions, fn func(*runtime) error) error {
	rt, err := openRuntime(ctx, opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
