package imaging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/better-images/internal/config"
	"github.com/yourusername/better-images/internal/engine"
)

// Service は画像処理パイプラインを提供します。
type Service struct {
	cfg     *config.Config
	engines engine.Set
	logger  *log.Logger
	now     func() time.Time
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, engines engine.Set, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("データディレクトリの作成に失敗しました: %w", err)
	}
	return &Service{
		cfg:     cfg,
		engines: engines,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// StoredImage はアップロード保存済みの元画像です。
type StoredImage struct {
	JobID        string
	Path         string
	OriginalName string
	Size         int64
	Width        int
	Height       int
}

// SaveOriginal はアップロードされた画像を検証してワークスペースへ保存します。
func (s *Service) SaveOriginal(ctx context.Context, r io.Reader, filename string) (_ *StoredImage, err error) {
	if strings.TrimSpace(filename) == "" {
		return nil, newError(CodeInvalidInput, "ファイル名が指定されていません", nil)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return nil, newError(CodeUnsupportedImage, "対応していないファイル形式です。PNG / JPG / WEBP / BMP / TIFF を指定してください", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	ws, err := s.createWorkspace(jobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = removeDir(ws.dir)
		}
	}()

	storedPath := filepath.Join(ws.inDir, "original"+ext)
	size, err := s.writeLimited(storedPath, r)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(storedPath)
	if err != nil {
		return nil, fmt.Errorf("保存した画像のオープンに失敗しました: %w", err)
	}
	validateErr := ValidateUpload(filename, f)
	f.Close()
	if validateErr != nil {
		return nil, validateErr
	}

	width, height, err := ProbeFile(storedPath)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Printf("uploaded %s as %s (%dx%d, %d bytes)", filename, jobID, width, height, size)
	}

	return &StoredImage{
		JobID:        jobID,
		Path:         storedPath,
		OriginalName: filename,
		Size:         size,
		Width:        width,
		Height:       height,
	}, nil
}

// writeLimited はサイズ上限を強制しながらファイルへ書き込みます。
func (s *Service) writeLimited(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("入力ファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()

	limit := s.cfg.MaxFileSize
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		return 0, fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	if n > limit {
		return 0, newError(CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています", limit/(1024*1024)), nil)
	}
	return n, nil
}

// ResizeResult はリサイズ成果物の情報です。
type ResizeResult struct {
	Path   string
	Width  int
	Height int
}

// Resize は元画像から指定寸法の resized 成果物を生成します。
// maintainAspect が真の場合、明示的に変更された辺を基準にもう一方を算出します。
func (s *Service) Resize(ctx context.Context, jobID, sourcePath string, origW, origH, reqW, reqH int, maintainAspect bool) (*ResizeResult, error) {
	if reqW <= 0 && reqH <= 0 {
		return nil, newError(CodeInvalidInput, "width または height を正の値で指定してください", nil)
	}
	if reqW <= 0 {
		reqW = origW
	}
	if reqH <= 0 {
		reqH = origH
	}

	targetW, targetH := reqW, reqH
	if maintainAspect {
		targetW, targetH = AspectSize(origW, origH, reqW, reqH)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := DecodeFile(sourcePath)
	if err != nil {
		return nil, err
	}

	resized := ScaleTo(src, targetW, targetH)
	ws := s.workspaceFor(jobID)
	outPath := filepath.Join(ws.outDir, "resized.png")
	if err := EncodePNGFile(outPath, resized); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Printf("resized job=%s %dx%d -> %dx%d", jobID, origW, origH, targetW, targetH)
	}

	return &ResizeResult{Path: outPath, Width: targetW, Height: targetH}, nil
}
