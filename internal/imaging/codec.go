package imaging

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	// アップロード対象フォーマットのデコーダーを登録する
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// 受け付ける拡張子。元実装と同じ集合です。
var allowedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".webp": {},
	".bmp":  {},
	".tiff": {},
}

var allowedMIMEPrefixes = []string{
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/bmp",
	"image/x-bmp",
	"image/tiff",
}

// ValidateUpload は拡張子とファイル内容の両方で画像形式を検証します。
func ValidateUpload(filename string, r io.Reader) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return newError(CodeUnsupportedImage, "対応していないファイル形式です。PNG / JPG / WEBP / BMP / TIFF を指定してください", nil)
	}
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return newError(CodeUnsupportedImage, "ファイル内容を判定できませんでした", err)
	}
	for _, prefix := range allowedMIMEPrefixes {
		if mtype.Is(prefix) {
			return nil
		}
	}
	return newError(CodeUnsupportedImage, fmt.Sprintf("対応していないファイル内容です (detected: %s)", mtype.String()), nil)
}

// DecodeFile は画像ファイルをNRGBAとして読み込みます。
func DecodeFile(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("画像ファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, newError(CodeUnsupportedImage, "画像のデコードに失敗しました。ファイルが破損していないか確認してください", err)
	}
	return ToNRGBA(img), nil
}

// ProbeFile は画像をデコードせずに寸法を読み取ります。
func ProbeFile(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("画像ファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, newError(CodeUnsupportedImage, "画像ヘッダーの読み取りに失敗しました", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ToNRGBA は任意の画像をNRGBAへ変換します。既にNRGBAの場合はそのまま返します。
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// EncodePNGFile は画像をPNGとして保存します。中間成果物はすべてPNGで持ちます。
func EncodePNGFile(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("成果物ファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("PNGエンコードに失敗しました: %w", err)
	}
	return nil
}

// ContentTypeFor は成果物種別に対応するContent-Typeを返します。
func ContentTypeFor(kind ArtifactKind, path string) string {
	switch {
	case kind == ArtifactSVG || strings.HasSuffix(path, ".svg"):
		return "image/svg+xml"
	case kind == ArtifactICO || strings.HasSuffix(path, ".ico"):
		return "image/x-icon"
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	case strings.HasSuffix(path, ".bmp"):
		return "image/bmp"
	case strings.HasSuffix(path, ".tiff"):
		return "image/tiff"
	default:
		return "image/png"
	}
}
