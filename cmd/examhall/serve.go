package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examhall/internal/exam"
	"github.com/pavelanni/examhall/internal/handler"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/llm"
	"github.com/pavelanni/examhall/internal/llm/prompts"
	"github.com/pavelanni/examhall/internal/notify"
	"github.com/pavelanni/examhall/internal/scoring"
	"github.com/pavelanni/examhall/internal/store"
	"github.com/pavelanni/examhall/internal/sweeper"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the timeout sweeper",
		RunE:  runServe,
	}
	commonFlags(cmd)
	graderFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default language for error messages (en, ru)")
	f.String("late-submission", string(exam.LateAccept), "Handling of submits past the deadline (accept, reject)")
	f.String("api-key-hash", "", "bcrypt hash of the instructor API key (see hash-key)")
	f.Int("notify-queue", notify.DefaultOptions.QueueSize, "Notification queue size")
	f.Int("notify-dedup-size", notify.DefaultOptions.DedupSize, "Notification de-duplication cache size")
	f.Duration("notify-dedup-ttl", notify.DefaultOptions.DedupTTL, "Notification de-duplication window")
	return cmd
}

// graderFlags registers the flags that choose and configure the grader.
func graderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("grader", "reported", "Grader (reported, llm)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("sweep-schedule", sweeper.DefaultSchedule, "Sweep schedule as a cron spec")
	f.Int("grading-workers", 4, "Concurrent grading calls per sweep")
}

func newGrader(ctx context.Context, v *viper.Viper) (scoring.Grader, error) {
	switch strings.ToLower(v.GetString("grader")) {
	case "", "reported":
		return scoring.ReportedScoreGrader{}, nil
	case "llm":
		promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(promptVariant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
			promptVariant = string(prompts.PromptStandard)
		}
		client, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), prompts.PromptVariant(promptVariant))
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		return client, nil
	default:
		return nil, fmt.Errorf("unknown grader %q", v.GetString("grader"))
	}
}

func newSweeper(db *store.Store, agg *scoring.Aggregator, v *viper.Viper) *sweeper.Sweeper {
	return sweeper.New(db, agg, sweeper.Options{
		Schedule: v.GetString("sweep-schedule"),
		Workers:  v.GetInt("grading-workers"),
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	grader, err := newGrader(ctx, v)
	if err != nil {
		return err
	}

	late := exam.LatePolicy(strings.ToLower(v.GetString("late-submission")))
	if late != exam.LateAccept && late != exam.LateReject {
		return fmt.Errorf("unknown late-submission policy %q", late)
	}

	dispatcher := notify.NewDispatcher(notify.LogSender{}, notify.Options{
		QueueSize: v.GetInt("notify-queue"),
		DedupSize: v.GetInt("notify-dedup-size"),
		DedupTTL:  v.GetDuration("notify-dedup-ttl"),
	})

	clock := clockwork.NewRealClock()
	agg := scoring.New(db, grader, clock)
	svc := exam.New(db,
		exam.WithClock(clock),
		exam.WithNotifier(dispatcher),
		exam.WithScorer(agg),
		exam.WithLatePolicy(late),
	)
	h := handler.New(svc, agg, v.GetString("api-key-hash"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", db.Driver(),
			"lang", lang,
			"grader", v.GetString("grader"),
			"late_submission", late,
			"sweep_schedule", v.GetString("sweep-schedule"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return newSweeper(db, agg, v).Run(gctx, sweeper.NewCron())
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		return dispatcher.Close(shutdownCtx)
	})
	return g.Wait()
}
