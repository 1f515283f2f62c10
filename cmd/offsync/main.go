// Package main provides offsync, a command line client of an offline capable REST backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bool64/ctxd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vearutop/offline"
	"github.com/vearutop/offline/httpbackend"
	"github.com/vearutop/offline/internal/config"
	"github.com/vearutop/offline/internal/slogctxd"
	"github.com/vearutop/offline/natsmon"
	"github.com/vearutop/offline/pgstore"
	"github.com/vearutop/offline/redisstore"
)

const usage = `Usage: offsync [-config config.yaml] <command> [args]

Commands:
  view <resource>                      print server records merged with pending changes
  queue <resource> <op> [-id ID] JSON  send a change or queue it when offline
  sync                                 send pending changes
  status                               print connectivity and pending changes
  cleanup                              purge expired cache entries
  watch                                sync pending changes on every reconnect and periodically
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("offsync", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "offsync.yaml", "path to config file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()

		return errors.New("command is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slogctxd.NewWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "view":
		return app.view(ctx, cmdArgs, out)
	case "queue":
		return app.queue(ctx, cmdArgs, out)
	case "sync":
		return printJSON(out, newReport(app.client.Sync(ctx)))
	case "status":
		st, err := app.client.Status(ctx)
		if err != nil {
			return err
		}

		return printJSON(out, st)
	case "cleanup":
		n, err := app.client.Cleanup(ctx)
		if err != nil {
			return err
		}

		return printJSON(out, map[string]int{"removed": n})
	case "watch":
		return app.watch(ctx)
	default:
		fs.Usage()

		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	cfg     config.Config
	log     ctxd.Logger
	client  *offline.Client
	probe   *httpbackend.Probe
	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger ctxd.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	st, err := a.store(ctx)
	if err != nil {
		a.close()

		return nil, err
	}

	header := http.Header{}
	if cfg.Backend.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Backend.Token)
	}

	be, err := httpbackend.New(httpbackend.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Header:     header,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Retry: httpbackend.RetryPolicy{
			MaxRetries: cfg.Backend.MaxRetries,
			BaseDelay:  cfg.Backend.BaseDelay,
			MaxDelay:   cfg.Backend.MaxDelay,
		},
		Logger: logger,
	})
	if err != nil {
		a.close()

		return nil, err
	}

	cc := offline.ClientConfig{
		Name:   cfg.Name,
		Store:  st,
		Policy: cfg.Policy(),
		Logger: logger,
		OnSynced: func(ctx context.Context, res offline.ItemResult) {
			if res.Err != nil {
				logger.Warn(ctx, "pending change not synced", "resource", res.Resource, "id", res.ID, "error", res.Err)
			}
		},
	}

	if cfg.NATS.URL != "" {
		mon := natsmon.New(natsmon.Config{Name: cfg.Name, Logger: logger})

		nc, err := natsmon.Connect(cfg.NATS.URL, mon)
		if err != nil {
			a.close()

			return nil, fmt.Errorf("connect nats: %w", err)
		}

		a.closers = append(a.closers, nc.Close)
		cc.Monitor = mon

		prefix := cfg.NATS.SubjectPrefix
		if prefix == "" {
			prefix = natsmon.DefaultSubjectPrefix
		}

		notify := natsmon.Notifier(nc, prefix, logger)
		logSynced := cc.OnSynced
		cc.OnSynced = func(ctx context.Context, res offline.ItemResult) {
			logSynced(ctx, res)
			notify(ctx, res)
		}
		a.closers = append(a.closers, func() { _ = nc.FlushTimeout(cfg.Backend.Timeout) })
	} else {
		a.probe = httpbackend.NewProbe(httpbackend.ProbeConfig{
			URL:    cfg.HealthURL(),
			Logger: logger,
		})
		a.probe.Check(ctx)
		cc.Monitor = a.probe
	}

	a.client = offline.NewClient(cc)

	for _, name := range cfg.Resources {
		a.client.Register(name, be.Resource(name, offline.Policy{}))
	}

	a.closers = append(a.closers, a.client.Close)

	return a, nil
}

func (a *app) store(ctx context.Context) (offline.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		return offline.NewMemoryStore(offline.MemoryConfig{Name: a.cfg.Name, Logger: a.log}), nil
	case config.StoreFile:
		fst, err := offline.NewFileStore(offline.FileConfig{
			MemoryConfig: offline.MemoryConfig{Name: a.cfg.Name, Logger: a.log},
			Path:         a.cfg.Store.Path,
		})
		if err != nil {
			return nil, err
		}

		return fst, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})

		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()

			return nil, fmt.Errorf("connect redis: %w", err)
		}

		a.closers = append(a.closers, func() { _ = rdb.Close() })

		return redisstore.New(rdb, redisstore.Config{Prefix: a.cfg.Redis.Prefix, Name: a.cfg.Name, Logger: a.log}), nil
	case config.StorePostgres:
		dsn := a.cfg.PostgresDSN()

		if err := pgstore.Migrate(ctx, dsn, a.log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}

		pc, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}

		if a.cfg.Postgres.MaxConns > 0 {
			pc.MaxConns = a.cfg.Postgres.MaxConns
		}

		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		a.closers = append(a.closers, pool.Close)

		return pgstore.New(pool, pgstore.Config{Name: a.cfg.Name, Logger: a.log}), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}

func (a *app) view(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: view <resource>")
	}

	v, err := a.client.EffectiveView(ctx, args[0])
	if err != nil {
		return err
	}

	return printJSON(out, v)
}

func (a *app) queue(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	id := fs.String("id", "", "record id for update and delete")

	if len(args) < 2 {
		return errors.New("usage: queue <resource> <create|update|delete> [-id ID] [JSON]")
	}

	resource, op := args[0], offline.Op(args[1])

	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	payload := offline.Record{}

	if fs.NArg() > 0 {
		if err := json.Unmarshal([]byte(fs.Arg(0)), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	if *id != "" {
		payload[offline.IDField] = *id
	}

	o, err := a.client.QueueOrSend(ctx, resource, op, payload)
	if err != nil {
		return err
	}

	return printJSON(out, o)
}

func (a *app) watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.client.Start()

	if a.probe != nil {
		go a.probe.Run(ctx)
	}

	// Changes queued by previous runs.
	printReport(ctx, a.log, a.client.Sync(ctx))

	a.log.Important(ctx, "watching connectivity", "resources", a.cfg.Resources)

	ticker := time.NewTicker(a.cfg.Sync.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Important(context.Background(), "shutdown signal received")

			return nil
		case <-ticker.C:
			// Drain with failures does not move last sync time.
			if r, ok := a.client.SyncIfDue(ctx, a.cfg.Sync.Interval); ok {
				printReport(ctx, a.log, r)
			}
		}
	}
}

func printReport(ctx context.Context, logger ctxd.Logger, r offline.DrainReport) {
	logger.Info(ctx, "pending changes drained", "offline", r.Offline, "succeeded", r.Succeeded, "failed", r.Failed)
}

type report struct {
	Offline   bool            `json:"offline"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Items     []natsmon.Event `json:"items,omitempty"`
}

func newReport(r offline.DrainReport) report {
	rep := report{Offline: r.Offline, Succeeded: r.Succeeded, Failed: r.Failed}

	for _, item := range r.Items {
		rep.Items = append(rep.Items, natsmon.NewEvent(item))
	}

	return rep
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
