package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"conductor/internal/api"
	"conductor/internal/circuit"
	"conductor/internal/dlq"
	"conductor/internal/executor"
	"conductor/internal/metrics"
	"conductor/internal/retry"
	"conductor/internal/schedule"
	"conductor/internal/store"
	"conductor/internal/webhook"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		driver        = flag.String("driver", "sqlite", "database driver (sqlite or postgres)")
		dsn           = flag.String("dsn", "conductor.db", "database path or connection string")
		retryPoll     = flag.Duration("retry-poll", 30*time.Second, "retry scheduler poll interval")
		schedulePoll  = flag.Duration("schedule-poll", time.Minute, "schedule executor check interval")
		maxConcurrent = flag.Int("max-concurrent", 10, "max concurrent retry executions")
		enableDebug   = flag.Bool("debug", false, "mount pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	db, st, err := openStore(*driver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := st.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	collector := metrics.NewCollector()

	// Task and workflow handlers.
	registry := executor.NewRegistry()
	registry.RegisterHandler("shell", executor.ShellTask{})
	registry.RegisterHandler("http", executor.HTTPTask{})

	// Outbound webhook client behind a per-host circuit breaker.
	breaker := circuit.NewBreaker(circuit.Config{}, collector)
	client := circuit.NewClient(webhook.DefaultClient(), breaker)

	webhooks := webhook.NewService(st, client, collector)
	defer webhooks.Close()
	deadLetter := dlq.New(st)
	schedules := schedule.NewService(st, collector)

	engine := retry.NewEngine(st)
	retrySched := retry.NewScheduler(engine, registry, retry.SchedulerConfig{
		PollInterval:  *retryPoll,
		MaxConcurrent: *maxConcurrent,
	}, nil, collector)

	// Exhausted retries land in the DLQ with whatever definition we know.
	retrySched.OnExhausted = func(ctx context.Context, attempt retry.Attempt) {
		details := dlq.ErrorDetails{
			Message:   attempt.ErrorMessage,
			Timestamp: time.Now(),
			Attempts:  attempt.AttemptNumber,
		}
		def, _ := json.Marshal(map[string]string{"task_id": attempt.TaskID})
		if _, err := deadLetter.AddFailedTask(ctx, attempt.TaskID, def, details, attempt.AttemptNumber); err != nil {
			log.Error().Err(err).Str("task_id", attempt.TaskID).Msg("dead-lettering failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retrySched.Start(ctx)
	defer retrySched.Stop()

	scheduleExec := schedule.NewExecutor(schedules, registry, *schedulePoll)
	go scheduleExec.Start(ctx)
	defer scheduleExec.Stop()

	srv := &http.Server{
		Addr: *addr,
		Handler: api.NewServerWithDebug(api.Deps{
			Webhooks:    webhooks,
			DeadLetter:  deadLetter,
			Schedules:   schedules,
			Retries:     retrySched,
			RetryEngine: engine,
			Tasks:       registry,
			Metrics:     collector,
		}, *enableDebug),
	}
	go func() {
		log.Info().Str("addr", *addr).Str("driver", *driver).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openStore(driver, dsn string) (*sql.DB, *store.Store, error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", dsn))
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		return db, store.NewSQLite(db), nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, store.NewPostgres(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", driver)
	}
}
