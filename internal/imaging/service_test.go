package imaging

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradientImage(w, h)))
	return buf.Bytes()
}

func TestSaveOriginal(t *testing.T) {
	svc := newTestService(t, defaultFakes())
	data := pngBytes(t, 120, 90)

	img, err := svc.SaveOriginal(context.Background(), bytes.NewReader(data), "写真.png")
	require.NoError(t, err)
	require.NotEmpty(t, img.JobID)
	require.Equal(t, "写真.png", img.OriginalName)
	require.Equal(t, int64(len(data)), img.Size)
	require.Equal(t, 120, img.Width)
	require.Equal(t, 90, img.Height)

	_, err = os.Stat(img.Path)
	require.NoError(t, err)
}

func TestSaveOriginalRejectsUnsupportedExtension(t *testing.T) {
	svc := newTestService(t, defaultFakes())

	_, err := svc.SaveOriginal(context.Background(), strings.NewReader("data"), "document.pdf")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeUnsupportedImage, apiErr.Code)
}

func TestSaveOriginalRejectsMismatchedContent(t *testing.T) {
	// 拡張子は画像だが中身が画像でない場合は保存しない
	svc := newTestService(t, defaultFakes())

	_, err := svc.SaveOriginal(context.Background(), strings.NewReader("definitely not a png"), "fake.png")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeUnsupportedImage, apiErr.Code)
}

func TestSaveOriginalEnforcesSizeLimit(t *testing.T) {
	svc := newTestService(t, defaultFakes())
	svc.cfg.MaxFileSize = 64

	_, err := svc.SaveOriginal(context.Background(), bytes.NewReader(pngBytes(t, 200, 200)), "big.png")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeLimitExceeded, apiErr.Code)
}

func TestSaveOriginalCleansUpOnFailure(t *testing.T) {
	svc := newTestService(t, defaultFakes())

	entries, err := os.ReadDir(svc.cfg.DataDir)
	require.NoError(t, err)
	before := len(entries)

	_, err = svc.SaveOriginal(context.Background(), strings.NewReader("junk"), "fake.png")
	require.Error(t, err)

	entries, err = os.ReadDir(svc.cfg.DataDir)
	require.NoError(t, err)
	require.Equal(t, before, len(entries), "failed upload should not leave a workspace behind")
}

func TestResize(t *testing.T) {
	svc := newTestService(t, defaultFakes())
	img, err := svc.SaveOriginal(context.Background(), bytes.NewReader(pngBytes(t, 200, 100)), "src.png")
	require.NoError(t, err)

	res, err := svc.Resize(context.Background(), img.JobID, img.Path, 200, 100, 100, 0, true)
	require.NoError(t, err)
	require.Equal(t, 100, res.Width)
	require.Equal(t, 50, res.Height)

	w, h, err := ProbeFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
}

func TestResizeExactDimensions(t *testing.T) {
	svc := newTestService(t, defaultFakes())
	img, err := svc.SaveOriginal(context.Background(), bytes.NewReader(pngBytes(t, 200, 100)), "src.png")
	require.NoError(t, err)

	// maintainAspect なしでは指定寸法そのまま
	res, err := svc.Resize(context.Background(), img.JobID, img.Path, 200, 100, 64, 64, false)
	require.NoError(t, err)
	require.Equal(t, 64, res.Width)
	require.Equal(t, 64, res.Height)
}

func TestResizeRejectsNoDimensions(t *testing.T) {
	svc := newTestService(t, defaultFakes())

	_, err := svc.Resize(context.Background(), "job", "path", 100, 100, 0, 0, false)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeInvalidInput, apiErr.Code)
}

func TestDiscardJob(t *testing.T) {
	svc := newTestService(t, defaultFakes())
	img, err := svc.SaveOriginal(context.Background(), bytes.NewReader(pngBytes(t, 50, 50)), "src.png")
	require.NoError(t, err)

	require.NoError(t, svc.DiscardJob(img.JobID))
	_, err = os.Stat(img.Path)
	require.True(t, os.IsNotExist(err))

	require.Error(t, svc.DiscardJob(" "))
}
