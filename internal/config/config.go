// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定（未設定の場合は認証なしで動作する）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	JobExpireMinutes int   // 終了済みジョブを破棄するまでの分数（0で無効）

	// 画像処理設定
	DataDir     string // ジョブワークスペースのルートディレクトリ
	MaxInputDim int    // 自動縮小ガードのしきい値（長辺ピクセル）
	TileSize    int    // タイル処理の1辺サイズ
	TileOverlap int    // タイル境界の重なりピクセル数

	// ワーカー設定。パイプライン並列数×タイル並列数が全体のメモリ予算になる
	WorkerCount int // 同時に実行するパイプライン数
	TileWorkers int // 1パイプライン内のタイル並列数
	QueueDepth  int // 投入待ちキューの上限（超過時は overload エラー）

	// 外部コラボレーター（コマンドが見つからない場合はネイティブ実装を使用）
	UpscalerCommand string // Real-ESRGAN CLIのパス
	RembgCommand    string // rembg CLIのパス
	VtracerCommand  string // vtracer CLIのパス
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "5001"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),

		DataDir:     getEnv("DATA_DIR", filepath.Join(os.TempDir(), "better-images")),
		MaxInputDim: getEnvAsInt("MAX_INPUT_DIM", 1500),
		TileSize:    getEnvAsInt("TILE_SIZE", 256),
		TileOverlap: getEnvAsInt("TILE_OVERLAP", 10),

		WorkerCount: getEnvAsInt("WORKER_COUNT", 2),
		TileWorkers: getEnvAsInt("TILE_WORKERS", defaultTileWorkers()),
		QueueDepth:  getEnvAsInt("QUEUE_DEPTH", 64),

		UpscalerCommand: getEnv("UPSCALER_COMMAND", "realesrgan-ncnn-vulkan"),
		RembgCommand:    getEnv("REMBG_COMMAND", "rembg"),
		VtracerCommand:  getEnv("VTRACER_COMMAND", "vtracer"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// defaultTileWorkers はパイプライン並列数と合わせて1つのメモリ予算に収まるよう
// CPUコア数から控えめに算出します。
func defaultTileWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxInputDim <= 0 {
		return fmt.Errorf("MAX_INPUT_DIM must be positive")
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("TILE_SIZE must be positive")
	}
	if c.TileOverlap < 0 || c.TileOverlap >= c.TileSize {
		return fmt.Errorf("TILE_OVERLAP must satisfy 0 <= overlap < TILE_SIZE")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.TileWorkers < 1 {
		return fmt.Errorf("TILE_WORKERS must be at least 1")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("QUEUE_DEPTH must be at least 1")
	}

	// 認証は任意だが、設定するなら3点セットで揃っている必要がある
	if c.AppUsername != "" || c.AppPasswordHash != "" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required when APP_PASSWORD_HASH is set")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when APP_USERNAME is set")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when authentication is enabled")
		}
	}
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}

	return nil
}

// AuthEnabled は認証ガードを有効にするかどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
