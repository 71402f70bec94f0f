// Package imaging は画像処理パイプラインの中核機能を提供します。
package imaging

import "fmt"

// ArtifactKind はパイプラインが生成する成果物の種別を表します。
type ArtifactKind string

const (
	ArtifactOriginal     ArtifactKind = "original"
	ArtifactResized      ArtifactKind = "resized"
	ArtifactUpscaled     ArtifactKind = "upscaled"
	ArtifactNoBackground ArtifactKind = "no_background"
	ArtifactFinal        ArtifactKind = "final"
	ArtifactSVG          ArtifactKind = "svg"
	ArtifactICO          ArtifactKind = "ico"
)

// ParseArtifactKind はプレビュー/ダウンロードで指定された種別を検証します。
func ParseArtifactKind(s string) (ArtifactKind, error) {
	switch ArtifactKind(s) {
	case ArtifactOriginal, ArtifactResized, ArtifactUpscaled,
		ArtifactNoBackground, ArtifactFinal, ArtifactSVG, ArtifactICO:
		return ArtifactKind(s), nil
	case "":
		return ArtifactFinal, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("不明な成果物種別です: %s", s), nil)
	}
}

// OutputFormat は最終成果物のフォーマットを表します。
type OutputFormat string

const (
	FormatPNG OutputFormat = "png"
	FormatSVG OutputFormat = "svg"
	FormatICO OutputFormat = "ico"
)

// Params は1回のパイプライン実行に適用するパラメータです。
// Upscale は 0（なし）、2、4 のいずれか。Trim はバッチ処理専用です。
type Params struct {
	Upscale  int
	RemoveBG bool
	Trim     bool
	Format   OutputFormat
}

// Validate はパラメータの組み合わせを検証します。
// 拡大なし・背景除去なし・PNG出力の組み合わせは何もしないためスケジュール前に拒否します。
func (p Params) Validate() error {
	switch p.Upscale {
	case 0, 2, 4:
	default:
		return newError(CodeInvalidInput, "upscale には 2 または 4 を指定してください", nil)
	}
	switch p.Format {
	case FormatPNG, FormatSVG, FormatICO:
	default:
		return newError(CodeInvalidInput, fmt.Sprintf("format には png / svg / ico のいずれかを指定してください (received: %s)", p.Format), nil)
	}
	if p.Upscale == 0 && !p.RemoveBG && !p.Trim && p.Format == FormatPNG {
		return newError(CodeInvalidInput, "処理内容が指定されていません。拡大・背景除去・フォーマット変換のいずれかを選択してください", nil)
	}
	return nil
}

// NormalizeFormat は空指定をPNGに丸めたうえでフォーマットを返します。
func NormalizeFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", FormatPNG:
		return FormatPNG, nil
	case FormatSVG:
		return FormatSVG, nil
	case FormatICO:
		return FormatICO, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("format には png / svg / ico のいずれかを指定してください (received: %s)", s), nil)
	}
}
