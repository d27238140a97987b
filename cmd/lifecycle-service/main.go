package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinforge/edc/pkg/audit"
	"github.com/clinforge/edc/pkg/common/config"
	"github.com/clinforge/edc/pkg/common/database"
	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/eligibility"
	"github.com/clinforge/edc/pkg/lifecycle"
	"github.com/clinforge/edc/pkg/notify"
	"github.com/clinforge/edc/pkg/query"
	"github.com/clinforge/edc/pkg/workflow"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	defaults, err := workflow.LoadDefaults(cfg.WorkflowDefaultsPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load workflow defaults")
	}

	recorder := audit.NewRecorder(db)
	queryRepo := query.NewRepository(db)
	lifecycleRepo := lifecycle.NewRepository(db)
	resolver := workflow.NewResolver(db, database.GetRedis(), cfg.WorkflowCacheTTL, defaults)

	for _, migrate := range []func() error{
		recorder.AutoMigrate,
		queryRepo.AutoMigrate,
		lifecycleRepo.AutoMigrate,
		resolver.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate lifecycle tables")
		}
	}

	dispatcher := notify.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.NotificationTopic)
	defer dispatcher.Close()

	evaluator := eligibility.NewEvaluator(db, queryRepo, resolver)
	engine := lifecycle.NewEngine(db, lifecycleRepo, resolver, evaluator, recorder, dispatcher)
	queryService := query.NewService(db, queryRepo, recorder)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1/lifecycle").Subrouter()
	lifecycle.NewHandler(engine, evaluator, recorder).Register(api)
	query.NewHandler(queryService).Register(api)
	workflow.NewHandler(resolver).Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      http.MaxBytesHandler(router, cfg.MaxRequestBody),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Lifecycle service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start lifecycle service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down lifecycle service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Lifecycle service forced to shutdown")
	}
	logger.Log.Info("Lifecycle service stopped")
}
