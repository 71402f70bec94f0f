// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/better-images/internal/auth"
	"github.com/yourusername/better-images/internal/config"
	"github.com/yourusername/better-images/internal/engine"
	"github.com/yourusername/better-images/internal/imaging"
	"github.com/yourusername/better-images/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxFileSize

	// セッションストアの設定（認証有効時のみ）
	if cfg.AuthEnabled() {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "X-Job-Id", "Retry-After"}
	router.Use(cors.New(corsConfig))

	// 画像処理サービスとジョブ基盤の初期化
	logger := log.Default()
	engines := engine.Detect(engine.Options{
		UpscalerCommand: cfg.UpscalerCommand,
		RembgCommand:    cfg.RembgCommand,
		VtracerCommand:  cfg.VtracerCommand,
	}, logger)

	svc, err := imaging.NewService(cfg, engines, logger)
	if err != nil {
		log.Fatalf("Failed to init imaging service: %v", err)
	}

	ttl := time.Duration(cfg.JobExpireMinutes) * time.Minute
	registry := jobs.NewRegistry(ttl, func(jobID string) {
		if err := svc.DiscardJob(jobID); err != nil {
			logger.Printf("failed to discard workspace for job %s: %v", jobID, err)
		}
	}, logger)
	batches := jobs.NewBatches(registry)

	manager, err := jobs.NewManager(cfg, svc, registry, batches, logger)
	if err != nil {
		log.Fatalf("Failed to init job manager: %v", err)
	}

	ctx := context.Background()
	manager.Start(ctx)
	registry.StartJanitor(ctx)

	// ルーティングの設定
	setupRoutes(router, cfg, svc, registry, batches, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	svc *imaging.Service,
	registry *jobs.Registry,
	batches *jobs.Batches,
	manager *jobs.Manager,
) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", jobs.HealthHandler(registry))

	api := router.Group("/api")

	if cfg.AuthEnabled() {
		authManager := auth.NewManager(cfg)

		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.GET("/session", authManager.Session)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		api.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
	}

	api.POST("/upload", jobs.UploadHandler(svc, registry))
	api.POST("/upload/batch", jobs.UploadBatchHandler(svc, registry, batches))
	api.POST("/resize/:id", jobs.ResizeHandler(svc, registry))
	api.POST("/process", jobs.ProcessHandler(manager))
	api.POST("/process/batch", jobs.ProcessBatchHandler(manager, batches))

	api.GET("/status/:id", jobs.StatusHandler(registry))
	api.GET("/preview/:id", jobs.PreviewHandler(registry))
	api.GET("/download/:id", jobs.DownloadHandler(registry))
	api.GET("/download/:id/:filename", jobs.DownloadHandler(registry))
	api.DELETE("/jobs/:id", jobs.DeleteJobHandler(registry))

	batch := api.Group("/batch")
	{
		batch.GET("/:id/status", jobs.BatchStatusHandler(batches))
		batch.GET("/:id/download", jobs.BatchDownloadHandler(batches))
		batch.DELETE("/:id", jobs.DeleteBatchHandler(batches))
	}
}
