package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/config"
	"github.com/camden-git/lastnurses/database"
	"github.com/camden-git/lastnurses/gallery"
	"github.com/camden-git/lastnurses/handlers"
	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/media"
	"github.com/camden-git/lastnurses/quota"
	"github.com/camden-git/lastnurses/realtime"
	"github.com/camden-git/lastnurses/remote"
	"github.com/camden-git/lastnurses/repository"
	"github.com/camden-git/lastnurses/session"
	"github.com/camden-git/lastnurses/workers"
)

const thumbnailsSubDir = "thumbnails"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}

	zl, err := logger.New()
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	cfg, err := config.LoadConfig()
	if err != nil {
		zl.Fatal("main: failed to load configuration", zap.Error(err))
	}

	storagePaths := []string{cfg.UploadsPath, cfg.ResultsPath, filepath.Join(cfg.MediaStoragePath, thumbnailsSubDir), filepath.Dir(cfg.DatabasePath)}
	for _, p := range storagePaths {
		zl.Info("main: ensuring storage directory exists", zap.String("path", p))
		if err := os.MkdirAll(p, 0755); err != nil {
			zl.Fatal("main: failed to create storage directory", zap.String("path", p), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := database.InitGormDB(cfg.DatabasePath, zl)
	if err != nil {
		zl.Fatal("main: failed to initialize database", zap.Error(err))
	}
	if err := database.AutoMigrateModels(gormDB); err != nil {
		zl.Fatal("main: failed to migrate database", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		zl.Fatal("main: failed to get database handle", zap.Error(err))
	}
	defer sqlDB.Close()

	kv := repository.NewGormKVRepository(gormDB)
	jobLog := repository.NewSQLJobLogRepository(sqlDB)
	// polling does not survive a restart
	if n, err := jobLog.AbandonActive(""); err != nil {
		zl.Warn("main: failed to abandon stale jobs", zap.Error(err))
	} else if n > 0 {
		zl.Info("main: abandoned jobs from previous run", zap.Int64("count", n))
	}

	mediaSubDirs := map[media.AssetType]string{
		media.AssetTypeUpload:    filepath.Base(cfg.UploadsPath),
		media.AssetTypeThumbnail: thumbnailsSubDir,
		media.AssetTypeResult:    filepath.Base(cfg.ResultsPath),
	}
	localStore, err := media.NewLocalStorage(cfg.MediaStoragePath, mediaSubDirs, zl)
	if err != nil {
		zl.Fatal("main: failed to initialize media store", zap.Error(err))
	}
	var resultStore media.Store = localStore
	if cfg.S3Bucket != "" {
		s3Client, err := media.NewS3Client(ctx, media.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			zl.Fatal("main: failed to create S3 client", zap.Error(err))
		}
		s3Store, err := media.NewS3Storage(s3Client, cfg.S3Bucket, cfg.S3Prefix, mediaSubDirs, zl)
		if err != nil {
			zl.Fatal("main: failed to initialize S3 store", zap.Error(err))
		}
		resultStore = s3Store
		zl.Info("main: archiving results to S3", zap.String("bucket", cfg.S3Bucket))
	}

	hub := realtime.NewHub(cfg.AllowedOrigins, zl)
	go hub.Run(ctx)

	corrector := media.NewOrientationCorrector(cfg.JPEGQuality, cfg.MaxSurfacePixels, zl)
	normalizer := media.NewFormatNormalizer(media.NewHEICSupport(media.LoadGoheif), cfg.JPEGQuality, hub, zl)
	pipeline := media.NewIngestPipeline(corrector, normalizer, cfg.MaxUploadBytes, zl)
	processor := media.NewProcessor(localStore, resultStore, cfg.ThumbnailMaxSize, &http.Client{Timeout: cfg.HTTPTimeout}, zl)

	bus := identity.NewBus(zl)
	ledger := quota.NewLedger(kv, zl)
	ledger.Subscribe(bus)
	ledger.OnChange(func(s quota.State) { hub.Publish(realtime.EventQuotaChanged, s) })
	bus.Subscribe(func(c identity.Change) { hub.Publish(realtime.EventIdentityChanged, c) })

	sess := session.New(kv, bus, zl)
	if err := sess.Restore(); err != nil {
		zl.Warn("main: failed to restore session", zap.Error(err))
	}

	client := remote.NewClient(cfg.APIBaseURL, cfg.WorkflowName, cfg.HTTPTimeout, zl,
		remote.WithMaxResponseBytes(cfg.MaxResponseBytes))
	controller := workers.NewTransformJobController(client, ledger, sess, zl,
		workers.WithPollInterval(cfg.PollInterval),
		workers.WithJobLog(jobLog),
		workers.WithArchiver(processor),
	)
	controller.OnUpdate(func(s workers.JobSnapshot) { hub.Publish(realtime.EventJobUpdate, s) })
	defer controller.Close()

	hidden := gallery.NewHiddenImages(kv, zl)
	api := &handlers.API{
		Uploads: &handlers.UploadHandler{
			Pipeline: pipeline,
			Uploads:  processor,
			Jobs:     controller,
			Events:   hub,
			MaxBytes: cfg.MaxUploadBytes,
			Log:      zl,
		},
		UploadFiles:    handlers.AssetServer(localStore, media.AssetTypeUpload, "/api/uploads/", zl),
		ThumbnailFiles: handlers.AssetServer(localStore, media.AssetTypeThumbnail, "/api/thumbnails/", zl),
		ResultFiles:    handlers.AssetServer(resultStore, media.AssetTypeResult, "/api/results/", zl),
		Jobs:           &handlers.JobHandler{Jobs: controller, Uploads: processor, JobLog: jobLog, Log: zl},
		Quota:          &handlers.QuotaHandler{Ledger: ledger, Log: zl},
		Session:        &handlers.SessionHandler{Session: sess, Login: client, Log: zl},
		Gallery: &handlers.GalleryHandler{
			Gallery: gallery.NewService(client, sess, hidden, zl),
			Hidden:  hidden,
			Log:     zl,
		},
	}

	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.RequestLogger(zl))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	r.Get("/ws", hub.ServeWS)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Route("/api", api.Mount)
	})

	serverAddr := ":" + cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zl.Warn("main: server shutdown error", zap.Error(err))
		}
	}()

	zl.Info("main: server listening", zap.String("addr", serverAddr), zap.String("api", cfg.APIBaseURL))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Error("main: server stopped", zap.Error(err))
	}
}
