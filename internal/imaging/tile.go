package imaging

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/sync/errgroup"
)

// TileTransform はタイル単位で適用できる画像変換です。
// Scale は出力タイルの拡大率（等倍なら1）を事前に宣言します。
type TileTransform interface {
	Scale() int
	Apply(ctx context.Context, tile *image.NRGBA) (*image.NRGBA, error)
}

// TileOptions はタイル分割実行の設定です。
type TileOptions struct {
	TileSize int // 1タイルの一辺（重なり部分を除いたコア領域）
	Overlap  int // 隣接タイルと共有する境界ピクセル数
	Workers  int // 同時に変換するタイル数の上限
}

// RunTiled は画像を重なり付きのタイルへ分割し、各タイルを独立に変換して継ぎ目なく合成します。
// ピーク時メモリはタイルサイズとワーカー数にのみ比例し、入力画像全体の大きさには依存しません。
// いずれかのタイルが失敗した場合は全体を失敗として扱い、部分的な画像は返しません。
func RunTiled(ctx context.Context, src *image.NRGBA, tr TileTransform, opts TileOptions) (*image.NRGBA, error) {
	if tr == nil {
		return nil, fmt.Errorf("transform is nil")
	}
	if opts.TileSize <= 0 {
		return nil, fmt.Errorf("tileSize must be positive (got %d)", opts.TileSize)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.TileSize {
		return nil, fmt.Errorf("overlap must satisfy 0 <= overlap < tileSize (got %d)", opts.Overlap)
	}
	scale := tr.Scale()
	if scale < 1 {
		return nil, fmt.Errorf("transform reported invalid scale %d", scale)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, newError(CodeUnsupportedImage, "空の画像は処理できません", nil)
	}

	// タイルサイズ以下の画像は分割せず1タイルとして処理する
	if w <= opts.TileSize && h <= opts.TileSize {
		out, err := tr.Apply(ctx, src)
		if err != nil {
			return nil, err
		}
		if out.Bounds().Dx() != w*scale || out.Bounds().Dy() != h*scale {
			return nil, fmt.Errorf("transform returned %dx%d, want %dx%d",
				out.Bounds().Dx(), out.Bounds().Dy(), w*scale, h*scale)
		}
		return out, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w*scale, h*scale))

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for y := 0; y < h; y += opts.TileSize {
		for x := 0; x < w; x += opts.TileSize {
			// コア領域（最終出力に採用する範囲）と、その周囲にオーバーラップを
			// 足した入力タイル。画像端ではオーバーラップをクランプする。
			core := image.Rect(x, y, min(x+opts.TileSize, w), min(y+opts.TileSize, h))
			padded := image.Rect(
				max(core.Min.X-opts.Overlap, 0),
				max(core.Min.Y-opts.Overlap, 0),
				min(core.Max.X+opts.Overlap, w),
				min(core.Max.Y+opts.Overlap, h),
			)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				tile := copyRegion(src, padded)
				out, err := tr.Apply(gctx, tile)
				if err != nil {
					return fmt.Errorf("タイル(%d,%d)の変換に失敗しました: %w", core.Min.X, core.Min.Y, err)
				}
				wantW := padded.Dx() * scale
				wantH := padded.Dy() * scale
				if out.Bounds().Dx() != wantW || out.Bounds().Dy() != wantH {
					return fmt.Errorf("タイル(%d,%d)の出力寸法が不正です: %dx%d, want %dx%d",
						core.Min.X, core.Min.Y, out.Bounds().Dx(), out.Bounds().Dy(), wantW, wantH)
				}

				// 変換済みタイルからコア領域だけを切り出して合成する。
				// 各ゴルーチンの書き込み先は互いに素なので排他は不要。
				srcOffset := image.Pt(
					(core.Min.X-padded.Min.X)*scale,
					(core.Min.Y-padded.Min.Y)*scale,
				)
				dstRect := image.Rect(
					core.Min.X*scale, core.Min.Y*scale,
					core.Max.X*scale, core.Max.Y*scale,
				)
				draw.Draw(dst, dstRect, out, out.Bounds().Min.Add(srcOffset), draw.Src)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func copyRegion(src *image.NRGBA, r image.Rectangle) *image.NRGBA {
	tile := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(tile, tile.Bounds(), src, r.Min, draw.Src)
	return tile
}
