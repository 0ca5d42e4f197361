package main

import (
	"context"
	"log"
	"net/http"

	"github.com/caarlos0/env/v11"
	"github.com/rs/cors"

	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/outbox"
)

// Config is loaded from the environment.
type Config struct {
	Addr        string   `env:"ADDR" envDefault:":8080"`
	DatabaseURL string   `env:"DATABASE_URL,required"`
	JWTSecret   string   `env:"JWT_SECRET,required"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	RunRelay    bool     `env:"OUTBOX_RELAY" envDefault:"true"`
}

func main() {
	ctx := context.Background()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	custodyRepo := custody.NewRepository(pool)
	authService := auth.NewService(auth.NewRepository(pool), custodyRepo, cfg.JWTSecret)
	engine := escrow.NewEngine(pool, escrow.NewRepository(pool), custodyRepo)

	if cfg.RunRelay {
		relay := outbox.NewRelay(pool, nil)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("outbox relay stopped: %v", err)
			}
		}()
	}

	server := &Server{
		authService:    authService,
		engine:         engine,
		accountService: custodyRepo,
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(server.Routes())

	log.Printf("escrow api listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
