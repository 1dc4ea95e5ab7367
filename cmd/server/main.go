package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/halcyonhq/halcyon-backend/internal/config"
	"github.com/halcyonhq/halcyon-backend/internal/database"
	"github.com/halcyonhq/halcyon-backend/internal/fingerprint"
	"github.com/halcyonhq/halcyon-backend/internal/handlers"
	"github.com/halcyonhq/halcyon-backend/internal/middleware"
	"github.com/halcyonhq/halcyon-backend/internal/routes"
	"github.com/halcyonhq/halcyon-backend/internal/services"
	"github.com/halcyonhq/halcyon-backend/internal/session"
)

func main() {
	// Load env
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}
	// Load configuration
	cfg := config.Load()

	// Connect to PostgreSQL (credentials)
	log.Printf("Connecting to PostgreSQL...")
	pg, err := database.ConnectPostgres(cfg.PostgresURI)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer pg.Close()

	// Connect to Redis (tokens, rate limiting, fan-out)
	log.Printf("Connecting to Redis...")
	rdb, err := database.ConnectRedis(cfg.RedisURI)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	// Log connection attempt (without showing password)
	log.Printf("Connecting to MongoDB...")
	if cfg.MongoURI != "" {
		maskedURI := cfg.MongoURI
		if strings.Contains(maskedURI, "@") {
			parts := strings.Split(maskedURI, "@")
			if len(parts) > 0 && strings.Contains(parts[0], ":") {
				userPass := strings.Split(parts[0], ":")
				if len(userPass) >= 3 {
					maskedURI = strings.Replace(maskedURI, userPass[2], "***", 1)
				}
			}
		}
		log.Printf("MongoDB URI: %s", maskedURI)
	}

	// Connect to MongoDB (identity records, messages, audit)
	mongoClient, mongoDB, err := database.ConnectMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer database.DisconnectMongo(mongoClient)

	// Build services
	audit := services.NewAuditRecorder(mongoDB)
	creds := services.NewCredentialStore(pg)
	tokens := services.NewTokenService(rdb)
	messages := services.NewMessageStore(mongoDB)

	identityStore := fingerprint.NewMongoRecordStore(mongoDB)
	registry := fingerprint.NewRegistry(identityStore, audit, cfg.LoginFailOpen)
	if cfg.LoginFailOpen {
		log.Println("Login validation is fail-open (LOGIN_FAIL_OPEN=true)")
	} else {
		log.Println("Login validation is fail-closed (LOGIN_FAIL_OPEN=false)")
	}

	hub := session.NewManager(audit)
	hub.EnableRedisFanOut(context.Background(), rdb)

	// Ensure MongoDB indexes
	ctx := context.Background()
	if err := identityStore.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure identity indexes: %v", err)
	}
	if err := messages.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure message indexes: %v", err)
	}
	if err := audit.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure audit indexes: %v", err)
	}

	// Initialize Cloudinary service for chat attachments
	var uploads *services.CloudinaryService
	if cfg.CloudinaryName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		uploads, err = services.NewCloudinaryService(cfg.CloudinaryName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
		if err != nil {
			log.Printf("Warning: Failed to initialize Cloudinary: %v", err)
			log.Println("File uploads will not be available")
		} else {
			log.Println("✅ Cloudinary service initialized")
		}
	} else {
		log.Println("Warning: Cloudinary credentials not found. File uploads will not be available")
	}

	api := &handlers.API{
		Cfg:      cfg,
		Creds:    creds,
		Tokens:   tokens,
		Registry: registry,
		Hub:      hub,
		Messages: messages,
		Audit:    audit,
		RDB:      rdb,
		Uploads:  uploads,
	}

	// Setup router
	r := chi.NewRouter()

	// Custom CORS: set headers and respond to OPTIONS with 200 so preflight never gets 403
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Production: SecurityHeaders → GlobalRateLimit → LoginRateLimit
	// Non-production: Redis-based rate limit only
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity() {
			r.Use(mw)
		}
		log.Println("✅ Production security enabled (security headers, per-IP + login rate limiting)")
	} else {
		r.Use(middleware.RateLimit(rdb))
	}

	// Health check (no rate limit)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// Setup routes
	routes.SetupRoutes(r, api)

	log.Printf("🚀 Halcyon backend running on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
