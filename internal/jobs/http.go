package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/better-images/internal/imaging"
)

// UploadService は画像の受け入れを提供します。破棄はレジストリ経由で行われます。
type UploadService interface {
	SaveOriginal(ctx context.Context, r io.Reader, filename string) (*imaging.StoredImage, error)
}

// ResizeService は明示リサイズを提供します。
type ResizeService interface {
	Resize(ctx context.Context, jobID, sourcePath string, origW, origH, reqW, reqH int, maintainAspect bool) (*imaging.ResizeResult, error)
}

// Scheduler はパイプライン実行の投入を提供します。
type Scheduler interface {
	EnqueueJob(jobID string, params imaging.Params) error
	EnqueueBatch(batchID string, params imaging.Params) error
}

// UploadHandler は POST /api/upload のハンドラーを返します。
func UploadHandler(svc UploadService, registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で画像ファイルを送信してください。",
			})
			return
		}

		view, err := storeUpload(c.Request.Context(), svc, registry, header)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, jobResponse(view))
	}
}

// UploadBatchHandler は POST /api/upload/batch のハンドラーを返します。
// 全ファイルの受け入れに成功した場合のみバッチを作成します。
func UploadBatchHandler(svc UploadService, registry *Registry, batches *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で画像ファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされた画像ファイルが見つかりません。",
			})
			return
		}

		views := make([]*JobView, 0, len(files))
		jobIDs := make([]string, 0, len(files))
		cleanup := func() {
			for _, id := range jobIDs {
				_ = registry.Remove(id)
			}
		}

		for _, header := range files {
			view, err := storeUpload(c.Request.Context(), svc, registry, header)
			if err != nil {
				cleanup()
				respondWithError(c, err)
				return
			}
			views = append(views, view)
			jobIDs = append(jobIDs, view.ID)
		}

		batchID, err := batches.Create(jobIDs)
		if err != nil {
			cleanup()
			respondWithError(c, err)
			return
		}

		jobs := make([]gin.H, len(views))
		for i, view := range views {
			jobs[i] = jobResponse(view)
		}
		c.JSON(http.StatusOK, gin.H{
			"batchId": batchID,
			"count":   len(jobs),
			"jobs":    jobs,
		})
	}
}

func storeUpload(ctx context.Context, svc UploadService, registry *Registry, header *multipart.FileHeader) (*JobView, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルの読み込みに失敗しました: %w", err)
	}
	defer f.Close()

	img, err := svc.SaveOriginal(ctx, f, header.Filename)
	if err != nil {
		return nil, err
	}
	return registry.Create(img), nil
}

type resizeRequest struct {
	Width          int  `json:"width" form:"width"`
	Height         int  `json:"height" form:"height"`
	MaintainAspect bool `json:"maintainAspect" form:"maintainAspect"`
}

// ResizeHandler は POST /api/resize/:id のハンドラーを返します。
// リサイズは同期で実行され、完了時にジョブは uploaded 状態へ戻ります。
func ResizeHandler(svc ResizeService, registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")

		var req resizeRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "width / height を数値で指定してください。",
			})
			return
		}
		if req.Width <= 0 && req.Height <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "width または height を正の値で指定してください。",
			})
			return
		}

		j, err := registry.lockRun(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer registry.unlockRun(j)

		view, err := registry.Get(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if view.Status == StatusProcessing {
			respondWithError(c, imaging.NewError(imaging.CodeJobBusy, "このジョブは処理中のためリサイズできません", nil))
			return
		}

		if err := registry.SetState(jobID, StatusResizing, "リサイズしています..."); err != nil {
			respondWithError(c, err)
			return
		}

		source, ok := view.Artifact(imaging.ArtifactOriginal)
		if !ok {
			_ = registry.SetState(jobID, StatusUploaded, "")
			respondWithError(c, imaging.NewError(imaging.CodeInternal, "元画像が見つかりません", nil))
			return
		}

		res, err := svc.Resize(c.Request.Context(), jobID, source,
			view.OrigWidth, view.OrigHeight, req.Width, req.Height, req.MaintainAspect)
		if err != nil {
			_ = registry.SetState(jobID, StatusUploaded, "")
			respondWithError(c, err)
			return
		}

		_ = registry.SetArtifact(jobID, imaging.ArtifactResized, res.Path, res.Width, res.Height)
		_ = registry.SetState(jobID, StatusUploaded, "")

		c.JSON(http.StatusOK, gin.H{
			"jobId":  jobID,
			"width":  res.Width,
			"height": res.Height,
		})
	}
}

type processRequest struct {
	JobID    string   `json:"jobId"`
	BatchID  string   `json:"batchId"`
	JobIDs   []string `json:"jobIds"`
	Upscale  *int     `json:"upscale"`
	RemoveBG bool     `json:"removeBg"`
	Trim     bool     `json:"trim"`
	Format   string   `json:"format"`
}

func (r *processRequest) params() (imaging.Params, error) {
	format, err := imaging.NormalizeFormat(strings.TrimSpace(r.Format))
	if err != nil {
		return imaging.Params{}, err
	}
	p := imaging.Params{
		RemoveBG: r.RemoveBG,
		Trim:     r.Trim,
		Format:   format,
	}
	if r.Upscale != nil {
		p.Upscale = *r.Upscale
	}
	return p, p.Validate()
}

// ProcessHandler は POST /api/process のハンドラーを返します。
// 受理した場合は 202 を返し、進捗はステータスAPIで追跡します。
func ProcessHandler(scheduler Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON 形式のリクエストボディを送信してください。",
			})
			return
		}
		if strings.TrimSpace(req.JobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		params, err := req.params()
		if err != nil {
			respondWithError(c, err)
			return
		}

		if err := scheduler.EnqueueJob(req.JobID, params); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": req.JobID})
	}
}

// ProcessBatchHandler は POST /api/process/batch のハンドラーを返します。
// batchId を指定するとバッチ全体を、jobIds を指定すると臨時バッチを処理します。
func ProcessBatchHandler(scheduler Scheduler, batches *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON 形式のリクエストボディを送信してください。",
			})
			return
		}

		params, err := req.params()
		if err != nil {
			respondWithError(c, err)
			return
		}

		batchID := strings.TrimSpace(req.BatchID)
		if batchID == "" {
			if len(req.JobIDs) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "batchId または jobIds を指定してください。",
				})
				return
			}
			batchID, err = batches.Create(req.JobIDs)
			if err != nil {
				respondWithError(c, err)
				return
			}
		}

		if err := scheduler.EnqueueBatch(batchID, params); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batchId": batchID})
	}
}

// StatusHandler は GET /api/status/:id のハンドラーを返します。
func StatusHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := registry.Get(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, statusResponse(view))
	}
}

// BatchStatusHandler は GET /api/batch/:id/status のハンドラーを返します。
func BatchStatusHandler(batches *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := batches.Status(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// PreviewHandler は GET /api/preview/:id のハンドラーを返します。
// type クエリで成果物を選択します（省略時は最終成果物）。
func PreviewHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, kind, path, err := resolveArtifact(registry, c.Param("id"), c.Query("type"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.Header("Cache-Control", "no-store")
		c.Header("Content-Type", imaging.ContentTypeFor(kind, path))
		c.Header("X-Job-Id", view.ID)
		c.File(path)
	}
}

// DownloadHandler は GET /api/download/:id のハンドラーを返します。
// ファイル名なしのルートは、ブラウザが保存名を正しく扱えるよう
// ファイル名付きURLへリダイレクトします。
func DownloadHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, kind, path, err := resolveArtifact(registry, c.Param("id"), c.Query("type"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		name := strings.TrimSpace(c.Param("filename"))
		if name == "" {
			target := fmt.Sprintf("/api/download/%s/%s?type=%s",
				view.ID, url.PathEscape(DownloadName(view, kind)), url.QueryEscape(string(kind)))
			c.Redirect(http.StatusFound, target)
			return
		}

		if err := streamAttachment(c, view.ID, kind, path, name); err != nil {
			respondWithError(c, err)
		}
	}
}

// BatchDownloadHandler は GET /api/batch/:id/download のハンドラーを返します。
// 全メンバー終了前は RESULT_NOT_READY を返します。
func BatchDownloadHandler(batches *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")

		// ZIP はストリーミングで書き出すため、先に前提条件のみ確認する
		status, err := batches.Status(batchID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !status.AllDone {
			respondWithError(c, imaging.NewError(imaging.CodeResultNotReady,
				"バッチ内に未完了のジョブがあります。完了後に再度お試しください", nil))
			return
		}

		filename := fmt.Sprintf("batch_%s.zip", batchID)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Type", "application/zip")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Status(http.StatusOK)

		if err := batches.WriteArchive(c.Writer, batchID); err != nil {
			// ヘッダー送信後はエラーレスポンスを返せないため切断のみ
			_ = c.Error(err)
		}
	}
}

// DeleteJobHandler は DELETE /api/jobs/:id のハンドラーを返します。
func DeleteJobHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := registry.Remove(c.Param("id")); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// DeleteBatchHandler は DELETE /api/batch/:id のハンドラーを返します。
// cascade=true でメンバージョブも破棄します。
func DeleteBatchHandler(batches *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		cascade := c.Query("cascade") == "true"
		if err := batches.Remove(c.Param("id"), cascade); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true, "cascade": cascade})
	}
}

// HealthHandler は GET /health のハンドラーを返します。
func HealthHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"jobs":   registry.Len(),
		})
	}
}

func resolveArtifact(registry *Registry, jobID, kindExpr string) (*JobView, imaging.ArtifactKind, string, error) {
	kind, err := imaging.ParseArtifactKind(strings.TrimSpace(kindExpr))
	if err != nil {
		return nil, "", "", err
	}
	view, err := registry.Get(jobID)
	if err != nil {
		return nil, "", "", err
	}

	path, ok := view.Artifact(kind)
	if !ok {
		if kind == imaging.ArtifactOriginal {
			return nil, "", "", imaging.NewError(imaging.CodeInternal, "元画像が見つかりません", nil)
		}
		return nil, "", "", imaging.NewError(imaging.CodeResultNotReady,
			fmt.Sprintf("成果物 %s はまだ生成されていません", kind), nil)
	}
	return view, kind, path, nil
}

func streamAttachment(c *gin.Context, jobID string, kind imaging.ArtifactKind, path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("成果物の読み込みに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("成果物の読み込みに失敗しました: %w", err)
	}

	contentType := imaging.ContentTypeFor(kind, path)
	encodedName := url.PathEscape(filename)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filepath.Base(filename), encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	return nil
}

func jobResponse(view *JobView) gin.H {
	return gin.H{
		"jobId":    view.ID,
		"filename": view.OriginalName,
		"width":    view.Width,
		"height":   view.Height,
		"status":   view.Status,
	}
}

func statusResponse(view *JobView) gin.H {
	results := make(map[string]bool, len(view.Artifacts))
	for kind := range view.Artifacts {
		results[string(kind)] = true
	}

	resp := gin.H{
		"jobId":     view.ID,
		"filename":  view.OriginalName,
		"status":    view.Status,
		"progress":  view.Progress,
		"width":     view.Width,
		"height":    view.Height,
		"results":   results,
		"updatedAt": view.UpdatedAt,
	}
	if view.Status == StatusError {
		resp["code"] = imaging.CodeTransformFailed
		resp["error"] = view.ErrorMessage
		resp["failedStage"] = view.FailedStage
	}
	return resp
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *imaging.Error
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code == imaging.CodeQueueFull {
			c.Header("Retry-After", "5")
		}
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case imaging.CodeInvalidInput, imaging.CodeUnsupportedImage:
		return http.StatusBadRequest
	case imaging.CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case imaging.CodeJobNotFound, imaging.CodeBatchNotFound:
		return http.StatusNotFound
	case imaging.CodeJobBusy, imaging.CodeResultNotReady:
		return http.StatusConflict
	case imaging.CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
