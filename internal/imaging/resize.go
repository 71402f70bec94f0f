package imaging

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// DefaultMaxInputDim は自動縮小ガードの既定しきい値です。
// これを超える画像をそのまま拡大すると出力が巨大になりメモリを圧迫するため、
// AI処理の前に必ず縮小します。縮小は非可逆である点に注意してください。
const DefaultMaxInputDim = 1500

// NeedsResizeGuard は縮小ガードが必要かどうかを判定します。
// 長辺がしきい値を超える場合にのみ真を返します（しきい値ちょうどは対象外）。
func NeedsResizeGuard(width, height, maxDim int) bool {
	if maxDim <= 0 {
		maxDim = DefaultMaxInputDim
	}
	return width > maxDim || height > maxDim
}

// GuardSize は縮小ガード後の寸法を計算します。アスペクト比は維持されます。
func GuardSize(width, height, maxDim int) (int, int) {
	if maxDim <= 0 {
		maxDim = DefaultMaxInputDim
	}
	if !NeedsResizeGuard(width, height, maxDim) {
		return width, height
	}
	ratio := math.Min(float64(maxDim)/float64(width), float64(maxDim)/float64(height))
	return roundDim(float64(width) * ratio), roundDim(float64(height) * ratio)
}

// AspectSize はアスペクト比維持リサイズの寸法を計算します。
// width と height のうち明示的に変更された側（元寸法と異なる側）を基準にします。
// どちらも変更されている場合は width を優先します。
func AspectSize(origW, origH, reqW, reqH int) (int, int) {
	if reqW != origW || reqH == origH {
		return reqW, roundDim(float64(reqW) * float64(origH) / float64(origW))
	}
	return roundDim(float64(reqH) * float64(origW) / float64(origH)), reqH
}

// ScaleTo は画像を指定寸法へ高品質（Catmull-Rom）補間でリサイズします。
func ScaleTo(src *image.NRGBA, width, height int) *image.NRGBA {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// TrimToContent は不透明ピクセルのバウンディングボックスで画像を切り詰めます。
// 完全に透明な画像はそのまま返します。
func TrimToContent(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, y) : src.PixOffset(b.Max.X-1, y)+4]
		for x := 0; x < b.Dx(); x++ {
			if row[x*4+3] == 0 {
				continue
			}
			px := b.Min.X + x
			if px < minX {
				minX = px
			}
			if px > maxX {
				maxX = px
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX || maxY < minY {
		return src
	}
	content := image.Rect(minX, minY, maxX+1, maxY+1)
	if content == b {
		return src
	}
	return copyRegion(src, content)
}

func roundDim(v float64) int {
	d := int(math.Round(v))
	if d < 1 {
		return 1
	}
	return d
}
