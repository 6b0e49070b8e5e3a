package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ban-chess/internal/archive"
	"ban-chess/internal/auth"
	"ban-chess/internal/config"
	"ban-chess/internal/db"
	"ban-chess/internal/hub"
	"ban-chess/internal/matchmaking"
	"ban-chess/internal/room"
	"ban-chess/internal/store"
	"ban-chess/internal/sweeper"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

func main() {
	// Load configuration
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting ban-chess server in %s mode", cfg.Environment)

	// Connect to the hot store
	hotStore, err := store.New(cfg.Store.URL)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer hotStore.Close()

	// Connect to MongoDB
	mongodb, err := db.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongodb.Close(ctx)
	}()

	log.Printf("Connected to MongoDB database: %s", cfg.MongoDB.Database)

	// Archive pipeline
	archiver := archive.New(archive.NewMongoStore(mongodb))
	archiver.Start()
	defer archiver.Stop()

	// Game rooms
	rooms := room.NewManager(hotStore, archiver)
	defer rooms.Shutdown()

	// Matchmaking
	matchmaker := matchmaking.New(hotStore, rooms, store.QueueChannel)
	matchmaker.Start()
	defer matchmaker.Stop()

	// Stale game sweeper
	sweep := sweeper.New(hotStore, archiver)
	sweep.Start()
	defer sweep.Stop()

	// Connection hub
	jwtService := auth.NewJWTService(cfg.Session.Secret)
	connHub := hub.New(hotStore, rooms, matchmaker, jwtService, cfg.AllowedOrigins)
	go connHub.Run()
	defer connHub.Shutdown()

	// WebSocket server
	router := mux.NewRouter()
	router.HandleFunc("/ws", connHub.HandleWebSocket)

	wsAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	wsServer := &http.Server{
		Addr:    wsAddr,
		Handler: router,
		// No global timeouts: websocket connections are long-lived and the
		// hub runs its own heartbeats and write deadlines.
	}

	// Health server
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": connHub.Count(),
			"activeGames": rooms.Count(),
			"timestamp":   time.Now().UnixMilli(),
		})
	}).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	healthAddr := fmt.Sprintf(":%d", cfg.Server.HealthPort)
	healthServer := &http.Server{
		Addr:         healthAddr,
		Handler:      corsHandler.Handler(healthRouter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("WebSocket server listening on %s", wsAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()
	go func() {
		log.Printf("Health server listening on %s", healthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Close every connection with 1000 "server shutting down" before the
	// listeners stop, then let the deferred stack drain rooms and buffers.
	connHub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := healthServer.Shutdown(ctx); err != nil {
		log.Printf("Health server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
