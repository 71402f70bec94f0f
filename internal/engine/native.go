package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
)

// NativeUpscaler は Catmull-Rom 補間による古典的な拡大実装です。
// 外部のニューラルモデルが見つからない環境での代替として動作します。
type NativeUpscaler struct{}

// Name は実装名を返します。
func (u *NativeUpscaler) Name() string { return "native-catmullrom" }

// Upscale はタイルを指定倍率で拡大します。
func (u *NativeUpscaler) Upscale(ctx context.Context, tile *image.NRGBA, factor int) (*image.NRGBA, error) {
	if factor != 2 && factor != 4 {
		return nil, fmt.Errorf("upscale factor must be 2 or 4 (got %d)", factor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := tile.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), tile, b, xdraw.Src, nil)
	return dst, nil
}

// NativeRemover は四隅から背景色を推定し、色距離でアルファを決める簡易マットです。
// 単色に近い背景を想定した代替実装で、AIモデルの代わりになるものではありません。
type NativeRemover struct {
	// Threshold は背景と判定する色距離です。0の場合は既定値を使用します。
	Threshold float64
}

// Name は実装名を返します。
func (r *NativeRemover) Name() string { return "native-matte" }

const defaultMatteThreshold = 90.0

// Remove は背景を透過化した画像とアルファマスクを返します。
func (r *NativeRemover) Remove(ctx context.Context, img *image.NRGBA) (*image.NRGBA, *image.Alpha, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultMatteThreshold
	}

	b := img.Bounds()
	bg := estimateBackground(img)

	out := image.NewNRGBA(b)
	mask := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.NRGBAAt(x, y)
			dist := colorDistance(px, bg)

			// しきい値の半分までは完全透過、2倍で完全不透明になる緩やかな傾斜
			alpha := (dist - threshold/2) / threshold
			if alpha < 0 {
				alpha = 0
			}
			if alpha > 1 {
				alpha = 1
			}
			a := uint8(math.Round(alpha * float64(px.A)))
			out.SetNRGBA(x, y, color.NRGBA{R: px.R, G: px.G, B: px.B, A: a})
			mask.SetAlpha(x, y, color.Alpha{A: a})
		}
	}
	return out, mask, nil
}

func estimateBackground(img *image.NRGBA) color.NRGBA {
	b := img.Bounds()
	corners := []image.Point{
		{b.Min.X, b.Min.Y},
		{b.Max.X - 1, b.Min.Y},
		{b.Min.X, b.Max.Y - 1},
		{b.Max.X - 1, b.Max.Y - 1},
	}
	var r, g, bl int
	for _, p := range corners {
		px := img.NRGBAAt(p.X, p.Y)
		r += int(px.R)
		g += int(px.G)
		bl += int(px.B)
	}
	n := len(corners)
	return color.NRGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bl / n), A: 255}
}

func colorDistance(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}
