package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
)

// NativeVectorizer はPNGを埋め込んだSVGドキュメントを生成する代替実装です。
// パスによる本来のベクター化は外部の vtracer コマンドに委ねます。
type NativeVectorizer struct{}

// Name は実装名を返します。
func (v *NativeVectorizer) Name() string { return "native-embed" }

// Vectorize はラスター画像を包むSVGドキュメントを返します。
func (v *NativeVectorizer) Vectorize(ctx context.Context, img *image.NRGBA) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("PNGエンコードに失敗しました: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	var svg bytes.Buffer
	fmt.Fprintf(&svg, `<?xml version="1.0" encoding="UTF-8"?>`+"\n")
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", w, h, w, h)
	fmt.Fprintf(&svg, `  <image width="%d" height="%d" xlink:href="data:image/png;base64,%s"/>`+"\n", w, h, encoded)
	svg.WriteString("</svg>\n")
	return svg.Bytes(), nil
}
