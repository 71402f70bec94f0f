package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// NativeIconPacker は複数サイズのPNGを1つのICOコンテナへ詰め込みます。
// PNG埋め込み形式はVista以降のWindowsで有効です。
type NativeIconPacker struct{}

// Name は実装名を返します。
func (p *NativeIconPacker) Name() string { return "native-ico" }

// icoDirEntry はICONDIRENTRY（16バイト）に対応します。
type icoDirEntry struct {
	Width      uint8
	Height     uint8
	ColorCount uint8
	Reserved   uint8
	Planes     uint16
	BitCount   uint16
	BytesInRes uint32
	Offset     uint32
}

// Pack は画像を各サイズへ縮小してICOコンテナを生成します。
func (p *NativeIconPacker) Pack(ctx context.Context, img *image.NRGBA, sizes []int) ([]byte, error) {
	if len(sizes) == 0 {
		sizes = DefaultIconSizes
	}
	for _, s := range sizes {
		if s < 1 || s > 256 {
			return nil, fmt.Errorf("icon size must be 1..256 (got %d)", s)
		}
	}

	images := make([][]byte, 0, len(sizes))
	for _, s := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scaled := image.NewNRGBA(image.Rect(0, 0, s, s))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)

		var buf bytes.Buffer
		if err := png.Encode(&buf, scaled); err != nil {
			return nil, fmt.Errorf("サイズ%dのPNGエンコードに失敗しました: %w", s, err)
		}
		images = append(images, buf.Bytes())
	}

	var out bytes.Buffer
	// ICONDIR: reserved(0), type(1=icon), count
	header := []uint16{0, 1, uint16(len(sizes))}
	for _, v := range header {
		if err := binary.Write(&out, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}

	offset := uint32(6 + 16*len(sizes))
	for i, s := range sizes {
		entry := icoDirEntry{
			Width:      icoDim(s),
			Height:     icoDim(s),
			Planes:     1,
			BitCount:   32,
			BytesInRes: uint32(len(images[i])),
			Offset:     offset,
		}
		if err := binary.Write(&out, binary.LittleEndian, entry); err != nil {
			return nil, err
		}
		offset += uint32(len(images[i]))
	}
	for _, data := range images {
		out.Write(data)
	}
	return out.Bytes(), nil
}

// icoDim は寸法をICONDIRENTRY表現へ変換します（256は0と表現する）。
func icoDim(s int) uint8 {
	if s >= 256 {
		return 0
	}
	return uint8(s)
}
