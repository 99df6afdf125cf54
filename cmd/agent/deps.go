package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"callbrand/internal/awsutil"
	"callbrand/internal/config"
	"callbrand/internal/credstore"
	"callbrand/internal/events"
	sqsqueue "callbrand/internal/queue/sqs"
	"callbrand/internal/store"
	"callbrand/internal/store/memory"
	"callbrand/internal/store/pg"
	redisstore "callbrand/internal/store/redis"
	"callbrand/internal/store/sqlite"
)

// deps owns everything main has to close on the way out.
type deps struct {
	store    store.Store
	branding store.BrandingCache
	sink     events.Submitter
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg config.AgentConfig) (*deps, error) {
	d := &deps{}

	switch cfg.StoreBackend {
	case "", "sqlite":
		st, err := sqlite.Open(ctx, sqlitePath(cfg))
		if err != nil {
			return nil, err
		}
		d.store = st
		d.closers = append(d.closers, st.Close)
	case "memory":
		slog.Warn("agent using in-memory store; cache and pending events are lost on exit")
		d.store = memory.New()
	case "pg":
		st, err := pg.Open(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		d.store = st
		d.closers = append(d.closers, st.Close)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.BrandingBackend {
	case "":
	case "redis":
		rc, err := redisstore.Dial(ctx, cfg.Redis)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.branding = redisstore.New(rc, cfg.RedisPrefix)
		d.closers = append(d.closers, func() { _ = rc.Close() })
	default:
		d.Close()
		return nil, fmt.Errorf("unknown BRANDING_BACKEND %q", cfg.BrandingBackend)
	}

	switch cfg.EventSink {
	case "", "rest":
	case "sqs":
		if cfg.SQSQueueURL == "" {
			d.Close()
			return nil, fmt.Errorf("SQS_QUEUE_URL is required for the sqs event sink")
		}
		client, err := awsutil.NewSQSClient(ctx, cfg.SQS)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("sqs client init: %w", err)
		}
		d.sink = &sqsqueue.Producer{SQS: client, QueueURL: cfg.SQSQueueURL, GroupBuckets: cfg.SQSGroupBuckets}
	default:
		d.Close()
		return nil, fmt.Errorf("unknown EVENT_SINK %q", cfg.EventSink)
	}
	return d, nil
}

func sqlitePath(cfg config.AgentConfig) string {
	if cfg.SQLitePath != "" {
		return cfg.SQLitePath
	}
	return filepath.Join(cfg.DataDir, "callbrand.db")
}

// credentials prefers the encrypted file store when a secret is configured.
func credentials(cfg config.AgentConfig) (credstore.Store, error) {
	if cfg.CredentialSecret == "" {
		return &credstore.Memory{}, nil
	}
	return credstore.NewFile(filepath.Join(cfg.DataDir, "credentials"), cfg.CredentialSecret)
}
