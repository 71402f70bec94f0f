// Package engine はAI系の画像変換（拡大・背景除去・ベクター化・アイコン化）を
// 外部コラボレーターとして抽象化します。実装はコマンド実行版とGoネイティブ版の
// 2系統があり、起動時に利用可能なものが選択されます。
package engine

import (
	"context"
	"image"
	"log"
	"os/exec"
)

// Upscaler はタイル1枚を指定倍率で拡大します。
// 劣化した画像を黙って返すのではなく、失敗は必ずエラーとして報告します。
type Upscaler interface {
	Name() string
	Upscale(ctx context.Context, tile *image.NRGBA, factor int) (*image.NRGBA, error)
}

// BackgroundRemover は背景を除去し、透過画像とアルファマスクを返します。
type BackgroundRemover interface {
	Name() string
	Remove(ctx context.Context, img *image.NRGBA) (*image.NRGBA, *image.Alpha, error)
}

// Vectorizer はラスター画像をSVGドキュメントへ変換します。
type Vectorizer interface {
	Name() string
	Vectorize(ctx context.Context, img *image.NRGBA) ([]byte, error)
}

// IconPacker はラスター画像を複数サイズでICOコンテナへ格納します。
type IconPacker interface {
	Name() string
	Pack(ctx context.Context, img *image.NRGBA, sizes []int) ([]byte, error)
}

// DefaultIconSizes は標準的なアイコンサイズの集合です。
var DefaultIconSizes = []int{16, 32, 48, 64, 128, 256}

// Options は外部コマンドのパス設定です。空文字の場合はネイティブ実装へ
// フォールバックします。
type Options struct {
	UpscalerCommand string // Real-ESRGAN CLI（例: realesrgan-ncnn-vulkan）
	RembgCommand    string // rembg CLI
	VtracerCommand  string // vtracer CLI
}

// Set は選択済みのコラボレーター一式です。
type Set struct {
	Upscaler   Upscaler
	Remover    BackgroundRemover
	Vectorizer Vectorizer
	IconPacker IconPacker
}

// Detect は設定されたコマンドの存在を確認し、利用するコラボレーターを決定します。
func Detect(opts Options, logger *log.Logger) Set {
	set := Set{
		Upscaler:   &NativeUpscaler{},
		Remover:    &NativeRemover{},
		Vectorizer: &NativeVectorizer{},
		IconPacker: &NativeIconPacker{},
	}

	if path, ok := lookupCommand(opts.UpscalerCommand); ok {
		set.Upscaler = &CommandUpscaler{Path: path}
	}
	if path, ok := lookupCommand(opts.RembgCommand); ok {
		set.Remover = &CommandRemover{Path: path}
	}
	if path, ok := lookupCommand(opts.VtracerCommand); ok {
		set.Vectorizer = &CommandVectorizer{Path: path}
	}

	if logger != nil {
		logger.Printf("engine: upscaler=%s remover=%s vectorizer=%s iconpacker=%s",
			set.Upscaler.Name(), set.Remover.Name(), set.Vectorizer.Name(), set.IconPacker.Name())
	}
	return set
}

func lookupCommand(cmd string) (string, bool) {
	if cmd == "" {
		return "", false
	}
	path, err := exec.LookPath(cmd)
	if err != nil {
		return "", false
	}
	return path, true
}
