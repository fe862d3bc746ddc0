package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/app"
	"github.com/EmpoweredVote/EV-Geofence/internal/config"
	"github.com/EmpoweredVote/EV-Geofence/internal/db"
	"github.com/EmpoweredVote/EV-Geofence/internal/fences"
	"github.com/EmpoweredVote/EV-Geofence/internal/logging"
	"github.com/EmpoweredVote/EV-Geofence/internal/middleware"
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	gdb, err := db.Connect(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Database unavailable", zap.Error(err))
	}
	defer db.Close(gdb)

	store, err := fences.NewPostGISStore(gdb, cfg.Database.FenceTable, logger)
	if err != nil {
		logger.Fatal("Fence table unusable", zap.Error(err))
	}

	engine, err := app.NewEngine(cfg.Geometry, gdb, logger)
	if err != nil {
		logger.Fatal("Geometry engine unavailable", zap.Error(err))
	}
	svc := app.NewServices(store, engine, cfg.Geometry, logger)

	if cfg.HTTP.AdminTokenHash == "" {
		logger.Warn("ADMIN_TOKEN_HASH is empty, remediation routes are disabled")
	}
	handler := fences.NewHandler(store, svc.Validator, svc.Grouper, svc.Controller, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.HTTP.AllowedOrigins))
	r.Get("/", RootHandler)

	r.Mount("/fences", fences.SetupRoutes(handler,
		middleware.AdminToken(cfg.HTTP.AdminTokenHash),
		middleware.RateLimit(cfg.HTTP.RemediationPerMinute),
	))

	logger.Info("Server listening",
		zap.String("port", cfg.Port),
		zap.String("engine", cfg.Geometry.Engine),
		zap.String("fence_table", cfg.Database.FenceTable))

	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, r); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}
