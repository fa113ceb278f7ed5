package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattendance/internal/app"
	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/cloudinary"
	"qrattendance/internal/config"
	"qrattendance/internal/directory"
	"qrattendance/internal/handler"
	"qrattendance/internal/httpmiddleware"
	"qrattendance/internal/notify"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/store"
	"qrattendance/internal/sweep"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	loc := cfg.Location()
	q := app.Queue(cfg, redisClient)
	records := attendance.NewRepository(db.Client)
	dir := directory.NewRepository(db.Client)
	codec := qrcode.NewCodec(cfg.QRSecret)

	dispatcher, err := app.Dispatcher(cfg, db)
	if err != nil {
		return err
	}
	notifier := notify.NewRecordNotifier(dispatcher, records, loc, cfg.AbsenteeCutoff)

	scans := attendance.NewService(records, codec, dir, q, attendance.Options{
		DayStartMinute: cfg.DayStartMinute,
		Location:       loc,
		MaxAge:         cfg.ScanMaxAge,
		ClockSkew:      cfg.ScanClockSkew,
	})

	sweeper := sweep.NewSweeper(records, dir, notifier, dispatcher, loc)
	scheduler, err := sweep.NewScheduler(sweeper, sweep.SchedulerConfig{
		Cutoff:     cfg.AbsenteeCutoff,
		Weekdays:   cfg.AbsenteeWeekdays,
		Expression: cfg.AbsenteeCron,
		Location:   loc,
	})
	if err != nil {
		return err
	}
	if cfg.SweepEnabled {
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Single-process mode drains the in-memory queue here; otherwise cmd/worker does it.
	if cfg.QueueBackend == "memory" {
		go func() {
			_ = notify.NewWorker(q, notifier, records, dir).Run(ctx)
		}()
	}

	var images handler.ImageHost
	if cfg.CloudinaryConfigured() {
		images = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	limiter := httpmiddleware.Limiter(httpmiddleware.NewWindowLimiter(cfg.RateLimitPerMin, time.Minute))
	if cfg.QueueBackend != "memory" {
		limiter = httpmiddleware.FallbackLimiter{
			Primary:   httpmiddleware.NewRedisLimiter(redisClient.Client, cfg.RateLimitPerMin, time.Minute),
			Secondary: limiter,
		}
	}
	r.Use(httpmiddleware.GinMiddleware(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Healthy(c.Request.Context())
		redisHealthy := cfg.QueueBackend == "memory" || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "sweep": scheduler.Info()})
	})

	v1 := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	handler.New(handler.Deps{
		Scans:      scans,
		Sweeper:    sweeper,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Directory:  dir,
		Codec:      codec,
		Images:     images,
	}).Register(v1)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
