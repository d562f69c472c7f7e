package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tbourn/physio-sync/internal/config"
	"github.com/tbourn/physio-sync/internal/outbox"
	"github.com/tbourn/physio-sync/internal/remote"
)

// Remote transports.
const (
	TransportHTTP   = "http"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// newSubmitter builds the delivery collaborator for cfg.Remote. The returned
// closer releases transport resources and is never nil.
func newSubmitter(cfg config.Config) (outbox.Submitter, io.Closer, error) {
	switch strings.ToLower(cfg.Remote.Transport) {
	case TransportHTTP, "":
		sub, err := remote.NewHTTPSubmitter(remote.HTTPOptions{
			BaseURL:  cfg.Remote.SinkURL,
			BasePath: cfg.APIBasePath,
			Token:    cfg.Remote.Token,
			Timeout:  2 * cfg.Sync.DeliveryTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return sub, nopCloser{}, nil
	case TransportKafka:
		sub, err := remote.NewKafkaSubmitter(cfg.Remote.KafkaBrokers, cfg.Remote.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return sub, sub, nil
	case TransportMemory:
		return remote.NewMemorySink(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote transport %q", cfg.Remote.Transport)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openEngine opens the device engine described by the loaded config.
func openEngine(ctx context.Context, opts *RootOptions) (*outbox.Engine, func(), error) {
	cfg := opts.Config
	sub, closer, err := newSubmitter(cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := outbox.Open(ctx, outbox.Config{
		Backend:         cfg.Store.Backend,
		Path:            cfg.Store.Path,
		MaxRetries:      cfg.Sync.MaxRetries,
		BatchSize:       cfg.Sync.BatchSize,
		Concurrency:     cfg.Sync.Concurrency,
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
		Schedule:        cfg.Sync.Schedule,
		Trace:           cfg.OTEL.Enabled,
	}, sub, opts.Log)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	release := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.DeliveryTimeout+5*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			opts.Log.Error().Err(err).Msg("engine close")
		}
		if err := closer.Close(); err != nil {
			opts.Log.Error().Err(err).Msg("transport close")
		}
	}
	return eng, release, nil
}
