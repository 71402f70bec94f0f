package imaging

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

// identityTransform はタイルをそのまま返します。継ぎ目検証用です。
type identityTransform struct{}

func (identityTransform) Scale() int { return 1 }

func (identityTransform) Apply(_ context.Context, tile *image.NRGBA) (*image.NRGBA, error) {
	out := image.NewNRGBA(image.Rect(0, 0, tile.Bounds().Dx(), tile.Bounds().Dy()))
	copy(out.Pix, tile.Pix)
	return out, nil
}

// replicateTransform は各ピクセルを factor×factor のブロックへ複製します。
// 決定的なのでタイル分割結果を全画素で照合できます。
type replicateTransform struct {
	factor int
}

func (t replicateTransform) Scale() int { return t.factor }

func (t replicateTransform) Apply(_ context.Context, tile *image.NRGBA) (*image.NRGBA, error) {
	b := tile.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*t.factor, b.Dy()*t.factor))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := tile.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			for dy := 0; dy < t.factor; dy++ {
				for dx := 0; dx < t.factor; dx++ {
					out.SetNRGBA(x*t.factor+dx, y*t.factor+dy, c)
				}
			}
		}
	}
	return out, nil
}

type failingTransform struct{}

func (failingTransform) Scale() int { return 1 }

func (failingTransform) Apply(context.Context, *image.NRGBA) (*image.NRGBA, error) {
	return nil, errors.New("transform blew up")
}

// gradientImage は全画素が座標から一意に決まるテスト画像を生成します。
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x % 251),
				G: uint8(y % 241),
				B: uint8((x + y) % 239),
				A: 255,
			})
		}
	}
	return img
}

func TestRunTiledIdentityIsSeamless(t *testing.T) {
	src := gradientImage(600, 400)
	out, err := RunTiled(context.Background(), src, identityTransform{}, TileOptions{
		TileSize: 128,
		Overlap:  8,
		Workers:  3,
	})
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), out.Bounds())
	require.Equal(t, src.Pix, out.Pix)
}

func TestRunTiledScaleDimensions(t *testing.T) {
	// タイルサイズで割り切れない寸法でも出力は正確に factor 倍になる
	src := gradientImage(300, 170)
	out, err := RunTiled(context.Background(), src, replicateTransform{factor: 2}, TileOptions{
		TileSize: 128,
		Overlap:  10,
		Workers:  2,
	})
	require.NoError(t, err)
	require.Equal(t, 600, out.Bounds().Dx())
	require.Equal(t, 340, out.Bounds().Dy())

	// 複製変換の結果はタイル分割に依存しないため全画素を照合できる
	for y := 0; y < 340; y++ {
		for x := 0; x < 600; x++ {
			want := src.NRGBAAt(x/2, y/2)
			if got := out.NRGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestRunTiledSingleTile(t *testing.T) {
	src := gradientImage(100, 80)
	out, err := RunTiled(context.Background(), src, replicateTransform{factor: 2}, TileOptions{
		TileSize: 256,
		Overlap:  10,
		Workers:  2,
	})
	require.NoError(t, err)
	require.Equal(t, 200, out.Bounds().Dx())
	require.Equal(t, 160, out.Bounds().Dy())
}

func TestRunTiledPreconditions(t *testing.T) {
	src := gradientImage(10, 10)

	_, err := RunTiled(context.Background(), src, nil, TileOptions{TileSize: 64})
	require.Error(t, err)

	_, err = RunTiled(context.Background(), src, identityTransform{}, TileOptions{TileSize: 0})
	require.Error(t, err)

	_, err = RunTiled(context.Background(), src, identityTransform{}, TileOptions{TileSize: 64, Overlap: 64})
	require.Error(t, err)

	empty := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	_, err = RunTiled(context.Background(), empty, identityTransform{}, TileOptions{TileSize: 64})
	require.Error(t, err)
}

func TestRunTiledFailurePropagates(t *testing.T) {
	src := gradientImage(300, 300)
	out, err := RunTiled(context.Background(), src, failingTransform{}, TileOptions{
		TileSize: 128,
		Overlap:  8,
		Workers:  4,
	})
	require.Error(t, err)
	require.Nil(t, out)
	require.Contains(t, err.Error(), "transform blew up")
}

func TestRunTiledCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := gradientImage(400, 400)
	_, err := RunTiled(ctx, src, identityTransform{}, TileOptions{
		TileSize: 128,
		Overlap:  8,
		Workers:  2,
	})
	require.ErrorIs(t, err, context.Canceled)
}
