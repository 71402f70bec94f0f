package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// CommandUpscaler は Real-ESRGAN 系CLIでタイルを拡大します。
// コマンドは `-i 入力 -o 出力 -s 倍率` を受け付けることを前提とします。
type CommandUpscaler struct {
	Path string
}

// Name は実装名を返します。
func (u *CommandUpscaler) Name() string { return "realesrgan" }

// Upscale はタイルを一時ファイル経由でCLIに渡して拡大します。
func (u *CommandUpscaler) Upscale(ctx context.Context, tile *image.NRGBA, factor int) (*image.NRGBA, error) {
	if factor != 2 && factor != 4 {
		return nil, fmt.Errorf("upscale factor must be 2 or 4 (got %d)", factor)
	}
	out, err := runImageCommand(ctx, tile, ".png", func(in, outPath string) *exec.Cmd {
		return exec.CommandContext(ctx, u.Path, "-i", in, "-o", outPath, "-s", strconv.Itoa(factor))
	})
	if err != nil {
		return nil, err
	}

	wantW := tile.Bounds().Dx() * factor
	wantH := tile.Bounds().Dy() * factor
	if out.Bounds().Dx() != wantW || out.Bounds().Dy() != wantH {
		return nil, fmt.Errorf("upscaler returned %dx%d, want %dx%d",
			out.Bounds().Dx(), out.Bounds().Dy(), wantW, wantH)
	}
	return out, nil
}

// CommandRemover は rembg CLIで背景を除去します。
type CommandRemover struct {
	Path string
}

// Name は実装名を返します。
func (r *CommandRemover) Name() string { return "rembg" }

// Remove は画像をCLIに渡し、透過PNGとアルファマスクを受け取ります。
func (r *CommandRemover) Remove(ctx context.Context, img *image.NRGBA) (*image.NRGBA, *image.Alpha, error) {
	out, err := runImageCommand(ctx, img, ".png", func(in, outPath string) *exec.Cmd {
		return exec.CommandContext(ctx, r.Path, "i", in, outPath)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, extractAlpha(out), nil
}

// CommandVectorizer は vtracer CLIでラスター画像をSVGへ変換します。
type CommandVectorizer struct {
	Path string
}

// Name は実装名を返します。
func (v *CommandVectorizer) Name() string { return "vtracer" }

// Vectorize は画像をCLIに渡してSVGドキュメントを生成します。
func (v *CommandVectorizer) Vectorize(ctx context.Context, img *image.NRGBA) ([]byte, error) {
	dir, err := os.MkdirTemp("", "engine-vtracer-")
	if err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in.png")
	outPath := filepath.Join(dir, "out.svg")
	if err := writePNG(inPath, img); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, v.Path,
		"--input", inPath,
		"--output", outPath,
		"--colormode", "color",
		"--hierarchical", "stacked",
		"--mode", "spline",
		"--filter_speckle", "2",
		"--color_precision", "8",
	)
	if err := runCollaborator(cmd, "vtracer"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("SVG出力の読み取りに失敗しました: %w", err)
	}
	return data, nil
}

// runImageCommand は画像を一時ファイルへ書き出し、CLIを実行して結果画像を読み戻します。
func runImageCommand(ctx context.Context, img *image.NRGBA, outExt string, build func(in, out string) *exec.Cmd) (*image.NRGBA, error) {
	dir, err := os.MkdirTemp("", "engine-cmd-")
	if err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in.png")
	outPath := filepath.Join(dir, "out"+outExt)
	if err := writePNG(inPath, img); err != nil {
		return nil, err
	}

	cmd := build(inPath, outPath)
	if err := runCollaborator(cmd, filepath.Base(cmd.Path)); err != nil {
		return nil, err
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("変換結果の読み取りに失敗しました: %w", err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("変換結果のデコードに失敗しました: %w", err)
	}
	return toNRGBA(decoded), nil
}

// runCollaborator は外部コマンドを実行し、失敗時はstderrを含むエラーを返します。
func runCollaborator(cmd *exec.Cmd, name string) error {
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%sの実行に失敗しました: %s: %w", name, output.String(), err)
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("PNGエンコードに失敗しました: %w", err)
	}
	return nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func extractAlpha(img *image.NRGBA) *image.Alpha {
	b := img.Bounds()
	mask := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			mask.SetAlpha(x, y, color.Alpha{A: img.NRGBAAt(x, y).A})
		}
	}
	return mask
}
