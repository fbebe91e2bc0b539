package main

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/cache"
	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/config"
	"github.com/catalogsync/catalogsync/internal/job"
	"github.com/catalogsync/catalogsync/internal/logging"
	"github.com/catalogsync/catalogsync/internal/product"
	"github.com/catalogsync/catalogsync/internal/productsync"
	"github.com/catalogsync/catalogsync/internal/ratelimit"
	"github.com/catalogsync/catalogsync/internal/revalidate"
	"github.com/catalogsync/catalogsync/internal/storage"
)

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	db       *sql.DB
	jobs     *job.SQLiteStore
	catalog  *catalog.SQLiteStore
	cache    *cache.Memory[product.Product]
	client   *product.Client
	notifier revalidate.Notifier
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	jobs, err := job.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	cat, err := catalog.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	var notifier revalidate.Notifier = revalidate.Nop{}
	if cfg.RevalidateURL != "" {
		n, err := revalidate.NewHTTP(revalidate.Config{URL: cfg.RevalidateURL, Secret: cfg.RevalidateSecret}, log)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "revalidate")
		}
		notifier = n
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		jobs:     jobs,
		catalog:  cat,
		cache:    cache.NewMemory[product.Product](),
		notifier: notifier,
	}
	a.client = product.NewClient(a.upstream(), a.cache, ratelimit.New(), a.clientConfig(), log)
	return a, nil
}

func (a *app) upstream() product.Upstream {
	p := a.cfg.PAAPI
	if p.UseMock {
		a.log.Infow("Using mock product data")
		return product.NewMock(p.Marketplace, p.PartnerTag)
	}
	return product.NewPAAPI(product.PAAPIConfig{
		AccessKey:   p.AccessKey,
		SecretKey:   p.SecretKey,
		PartnerTag:  p.PartnerTag,
		Host:        p.Host,
		Region:      p.Region,
		Marketplace: p.Marketplace,
	}, &http.Client{Timeout: a.cfg.CallTimeout})
}

func (a *app) clientConfig() product.Config {
	cfg := product.DefaultConfig()
	cfg.CacheTTL = a.cfg.CacheTTL
	cfg.CallTimeout = a.cfg.CallTimeout
	cfg.RequestsPerSecond = a.cfg.RequestsPerSecond
	cfg.QuotaKey = "paapi:" + a.cfg.PAAPI.AccessKey
	cfg.QuotaLimit = a.cfg.DailyQuota
	cfg.QuotaWindow = 24 * time.Hour
	return cfg
}

// service builds the sync service. A nil enqueuer leaves new jobs pending for
// the serving process' poller.
func (a *app) service(enq productsync.Enqueuer) *productsync.Service {
	deps := productsync.Deps{
		Jobs:     a.jobs,
		Catalog:  a.catalog,
		Client:   a.client,
		Notifier: a.notifier,
		Enqueuer: enq,
		Log:      a.log,
	}
	return productsync.New(deps, productsync.Config{
		Marketplace: a.cfg.PAAPI.Marketplace,
		PartnerTag:  a.cfg.PAAPI.PartnerTag,
	})
}

func (a *app) close() {
	if n, ok := a.notifier.(*revalidate.HTTPNotifier); ok {
		n.Wait()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Closing database failed", "error", err)
	}
	a.log.Sync() //nolint:errcheck
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
