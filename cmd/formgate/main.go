// cmd/formgate/main.go
//
// Formgate – HTTP entry point.
//
// Boot sequence
// -------------
//
//  1. Load configuration (.env → conf/global.yaml → FORMGATE_ env, with
//     vault: references resolved).
//
//  2. Start the daily rotating logger (tees to console in a TTY).
//
//  3. Load every form definition under forms.dir.
//
//  4. Build the backend client.  Uniqueness checks go through the REST API,
//     or straight to MySQL when backend.unique_via = sql.
//
//  5. Start the instance registry, its evictor, and the token signer.
//
//  6. Serve the chi router until SIGINT or SIGTERM, then drain.
//
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/backend"
	"github.com/yanizio/formgate/internal/cache"
	"github.com/yanizio/formgate/internal/config"
	"github.com/yanizio/formgate/internal/database"
	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/httpapi"
	"github.com/yanizio/formgate/internal/instance"
	"github.com/yanizio/formgate/internal/logger"
	"github.com/yanizio/formgate/internal/server"
)

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("formgate: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logOut, err := logger.New(cfg.Log.Dir, cfg.Log.Level, cfg.Log.Tee || runningInTTY())
	if err != nil {
		return err
	}
	defer func() { _ = logOut.Sync() }()

	//
	// ── 1.  Form definitions ────────────────────────────────────────────
	//
	defs := form.NewRegistry()
	n, err := defs.LoadDir(cfg.Forms.Dir)
	if err != nil {
		return err
	}
	logOut.Infow("form definitions loaded", "count", n, "dir", cfg.Forms.Dir)

	//
	// ── 2.  Backend client and uniqueness checks ────────────────────────
	//
	client, err := backend.New(backend.Options{
		BaseURL:         cfg.Backend.BaseURL,
		Token:           cfg.Backend.Token,
		Timeout:         cfg.Backend.Timeout,
		ChecksPerSecond: cfg.Backend.ChecksPerSecond,
		Burst:           cfg.Backend.Burst,
		Logger:          logOut.Named("backend"),
	})
	if err != nil {
		return err
	}

	checker := func(d *form.Definition, f form.FieldDef) form.Checker {
		return client.Unique(d.Resource, f.ServerName())
	}
	if cfg.Backend.UniqueVia == "sql" {
		db, err := database.Open(ctx, cfg.Database.ResolvedDSN())
		if err != nil {
			return err
		}
		defer db.Close()
		logOut.Infow("database online for uniqueness checks")
		checker = sqlChecker(db, cfg.Database, logOut)
	}

	//
	// ── 3.  Instance registry ───────────────────────────────────────────
	//
	instances := instance.New(instance.Options{
		IdleTTL:       cfg.Instances.IdleTTL,
		MaxEntries:    cfg.Instances.MaxEntries,
		EvictInterval: cfg.Instances.EvictInterval,
		Logger:        logOut.Named("instance"),
	})
	defer instances.Close()

	tokens, ephemeral, err := instance.NewSigner(cfg.Instances.TokenSecret, cfg.Instances.IdleTTL)
	if err != nil {
		return err
	}
	if ephemeral {
		logOut.Warnw("instances.token_secret not set, using a random key; tokens reset on restart")
	}

	asyncOpts := func() []form.AsyncOption {
		opts := []form.AsyncOption{form.WithCheckTimeout(cfg.Forms.AsyncTimeout)}
		if cfg.Forms.CacheSize > 0 {
			opts = append(opts, form.WithStore(
				cache.NewLRU[form.CacheKey, string](cfg.Forms.CacheSize, cfg.Forms.CacheTTL)))
		}
		return opts
	}

	//
	// ── 4.  HTTP server ─────────────────────────────────────────────────
	//
	router := httpapi.NewRouter(httpapi.Dependencies{
		Definitions:  defs,
		Instances:    instances,
		Tokens:       tokens,
		Checker:      checker,
		AsyncOptions: asyncOpts,
		BaseContext:  ctx,
		Logger:       logOut,
		Submitter: func(d *form.Definition) form.SubmitFunc {
			return client.Submitter(http.MethodPost, d.Resource, d.FieldNames())
		},
	})

	srv := server.New(cfg.HTTP.ListenAddr, router, server.Timeouts{
		Read:  cfg.HTTP.ReadTimeout,
		Write: cfg.HTTP.WriteTimeout,
		Idle:  cfg.HTTP.IdleTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		logOut.Infow("listening", "addr", cfg.HTTP.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logOut.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sqlChecker binds unique fields to SQL lookups.  The table is the form's
// resource unless database.table overrides it; a bad identifier disables
// the check for that field and is logged once per instance.
func sqlChecker(db *sqlx.DB, dbCfg config.Database, log *zap.SugaredLogger) form.CheckerFunc {
	return func(d *form.Definition, f form.FieldDef) form.Checker {
		table := d.Resource
		if dbCfg.Table != "" {
			table = dbCfg.Table
		}
		chk, err := backend.SQLUnique(db, table, f.ServerName(), dbCfg.IDColumn)
		if err != nil {
			log.Errorw("uniqueness check disabled", "form", d.ID, "field", f.Name, "err", err)
			return nil
		}
		return chk
	}
}
