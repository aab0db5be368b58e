package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizlive-service/internal/app"
	"quizlive-service/internal/config"
	"quizlive-service/internal/domain"
	"quizlive-service/internal/infra/memory"
	pgloader "quizlive-service/internal/infra/postgres"
	redisinfra "quizlive-service/internal/infra/redis"
	transport "quizlive-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuestionSetLoader = memory.NewStaticQuestionSetLoader(sampleQuestionSets())
	if pool != nil {
		loader = pgloader.NewQuestionSetLoader(pool)
	}

	setTTL := config.Duration(cfg.QuestionSets.TTL, 10*time.Minute)
	var sets app.QuestionSetRepository
	if redisClient != nil {
		sets = redisinfra.NewQuestionSetCache(redisClient, loader, setTTL)
	} else {
		sets = memory.NewQuestionSetCache(loader, setTTL)
	}

	var store app.DocumentStore
	if redisClient != nil {
		store = redisinfra.NewDocumentStore(redisClient)
	} else {
		store = memory.NewDocumentStore()
	}

	grace := config.Duration(cfg.Session.GraceDelay, app.DefaultGraceDelay)
	sessions := app.NewSessionService(store, sets)
	ledger := app.NewAnswerLedger(store)
	advancer := app.NewAdvancer(store, grace)
	wsHandler := transport.NewWSHandler(sessions, ledger, advancer, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting quizlive service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestionSets provides minimal quiz content for running without
// Postgres; swap the loader for the database-backed one in production.
func sampleQuestionSets() map[string]domain.QuestionSet {
	return map[string]domain.QuestionSet{
		"general-1": {
			ID:    "general-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					Text:               "What is 2 + 2?",
					Options:            []string{"3", "4", "5"},
					CorrectOptionIndex: 1,
					TimeLimitSeconds:   30,
				},
				{
					Text:               "Which planet is closest to the sun?",
					Options:            []string{"Venus", "Mars", "Mercury", "Earth"},
					CorrectOptionIndex: 2,
					TimeLimitSeconds:   20,
				},
			},
		},
	}
}
