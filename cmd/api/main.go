package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/pmaris/how-late-is-muni/internal/api"
	"github.com/pmaris/how-late-is-muni/internal/config"
	"github.com/pmaris/how-late-is-muni/internal/db"
)

func main() {
	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}

	handler := api.NewHandler(database)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	// Health check endpoint with database connectivity test
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]interface{}{
			"status":    "ok",
			"database":  "connected",
			"timestamp": time.Now().UTC(),
		}
		if _, err := database.RoutesWithStatus(ctx, nil); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "error"
			body["database"] = "disconnected"
			body["error"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})

	r.Get("/routes", handler.GetRoutes)
	r.Get("/stops", handler.GetStops)
	r.Get("/arrivals/buckets", handler.GetArrivalBuckets)

	log.Printf("API listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
