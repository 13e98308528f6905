package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"playmatch/matchmaker/internal/config"
	"playmatch/matchmaker/internal/database"
	"playmatch/matchmaker/internal/expiry"
	"playmatch/matchmaker/internal/handler"
	"playmatch/matchmaker/internal/hub"
	"playmatch/matchmaker/internal/matchmaking"
	"playmatch/matchmaker/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Swagger imports
	_ "playmatch/matchmaker/docs" // This is important for swag to find the generated docs

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func init() {
	config.LoadConfig()
}

// @title           Playmatch Matchmaker API
// @version         1.0
// @description     Game session matchmaking for the Playmatch service.
// @host            localhost:8080
// @BasePath        /api/v1
// @securityDefinitions.apiKey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg := config.AppConfig
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	// Connect to the database
	db := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, sqlDB.Close()) }()

	engine := matchmaking.New(store.NewGormStore(db),
		matchmaking.WithLogger(logger.Named("matchmaking")),
		matchmaking.WithDefaults(cfg.DefaultMaxPlayerCount, cfg.DefaultJoinDuration()),
	)

	events := hub.NewHub(logger.Named("hub"))
	defer engine.Subscribe(events.HandleSessionEvent)()

	scheduler := expiry.New(engine, expiry.WithLogger(logger.Named("expiry")))
	defer func() { err = multierr.Append(err, scheduler.Close()) }()
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	router := gin.Default()

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check endpoint
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	// API v1 routes
	h := handler.New(engine, events, logger.Named("http"), cfg.MaxJoinDuration())
	h.Register(router.Group("/api/v1"), []byte(cfg.JWTSecret))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server is running",
			zap.String("addr", cfg.ListenAddr),
			zap.String("swagger", "/swagger/index.html"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
