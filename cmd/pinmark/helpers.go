package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

// session bundles what commands need to talk to the remote store: the
// configured client, queue store and retry dispatcher.
type session struct {
	cfg        *Config
	client     *pinmark.Client
	store      pinmark.QueueStore
	dispatcher pinmark.RetryDispatcher
	redis      *redis.Client
	closers    []func()
}

// openSession loads the config and opens the configured queue store.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'pinmark init <token>' first")
	}

	s := &session{cfg: cfg, client: newClient(cfg)}
	if err := s.openQueue(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func newClient(cfg *Config) *pinmark.Client {
	var opts []pinmark.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pinmark.WithBaseURL(cfg.Default.BaseURL))
	}
	return pinmark.NewClient(cfg.Default.Token, opts...)
}

func (s *session) openQueue(ctx context.Context) error {
	switch s.cfg.Queue.Driver {
	case queueRedis:
		client, err := dialRedis(ctx, s.cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.store = pinmark.NewRedisQueueStoreWithClient(client)

	case queueMemory:
		s.store = pinmark.NewMemoryQueueStore()

	default:
		path := s.cfg.Queue.Path
		if path == "" {
			path = defaultQueuePath()
		}
		store, err := pinmark.OpenSQLiteQueueStore(ctx, path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		s.store = store
	}
	return nil
}

// background starts the retry context for long-running commands. Redis
// queues hand retries to `pinmark worker`; other drivers retry in-process.
func (s *session) background(ctx context.Context) (pinmark.RetryDispatcher, error) {
	if s.dispatcher != nil {
		return s.dispatcher, nil
	}
	if s.redis != nil {
		d := pinmark.NewRedisDispatcher(s.redis, &log.Logger)
		if err := d.Listen(ctx); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = d.Close() })
		s.dispatcher = d
		return d, nil
	}

	w := pinmark.NewLocalWorker(s.store, s.client, s.workerOptions())
	w.Start(ctx)
	s.closers = append(s.closers, w.Stop)
	s.dispatcher = w
	return w, nil
}

func (s *session) workerOptions() *pinmark.WorkerOptions {
	return &pinmark.WorkerOptions{Logger: &log.Logger, MaxAttempts: s.cfg.Worker.MaxAttempts}
}

// foreground refuses background registration, so the engine queues each
// operation and attempts it once before the command returns. Failures stay
// queued for `pinmark queue retry`.
type foreground struct{}

func (foreground) RegisterRetry(context.Context, pinmark.RetryTag) error {
	return pinmark.ErrBackgroundUnavailable
}

func dialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// engine creates an engine for fileID. Live engines follow realtime events
// and retry in the background; others deliver in the foreground, so Wait
// returns once every mutation has been attempted. The engine is stopped by
// close.
func (s *session) engine(ctx context.Context, fileID string, live bool) (*pinmark.Engine, error) {
	opts := &pinmark.Options{
		Dispatcher: foreground{},
		Viewport:   s.cfg.Default.Viewport,
		Logger:     &log.Logger,
	}
	if live {
		d, err := s.background(ctx)
		if err != nil {
			return nil, err
		}
		opts.Dispatcher = d

		rtCfg := &pinmark.RealtimeConfig{AutoReconnect: true}
		switch s.cfg.Realtime.Transport {
		case transportSSE:
			sse := s.client.ConnectSSE(rtCfg)
			s.closers = append(s.closers, func() { _ = sse.Disconnect() })
			opts.Events = sse
		case transportNone:
		default:
			ws := s.client.ConnectWS(rtCfg)
			s.closers = append(s.closers, func() { _ = ws.Disconnect() })
			opts.Events = ws
		}
	}

	e, err := pinmark.NewEngine(fileID, s.client, s.store, opts)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, e.Stop)
	return e, nil
}

// close releases resources in reverse order of acquisition.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readImages loads image attachments from disk.
func readImages(paths []string) ([]pinmark.Image, error) {
	images := make([]pinmark.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", p, err)
		}
		images = append(images, pinmark.Image{FileName: filepath.Base(p), Data: data})
	}
	return images, nil
}
