package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yourusername/better-images/internal/imaging"
)

// job はレジストリ内部のジョブ実体です。外部にはJobViewとしてのみ公開します。
type job struct {
	id           string
	originalName string
	originalPath string
	origWidth    int
	origHeight   int

	mu           sync.Mutex // 以下のフィールドを保護する
	width        int
	height       int
	status       Status
	progress     string
	errorMessage string
	failedStage  string
	artifacts    map[imaging.ArtifactKind]string
	createdAt    time.Time
	updatedAt    time.Time

	// runMu はリサイズとパイプライン実行を直列化する。
	// 同一ジョブの成果物書き込みが交錯しないことを保証する。
	runMu sync.Mutex
}

// Registry はプロセス内に閉じたジョブの単一情報源です。
// プロセス再起動で全ジョブIDが無効になります（永続化しないのは仕様です）。
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*job
	ttl    time.Duration
	logger *log.Logger

	// onDispose はジョブ破棄時にワークスペース掃除のため呼ばれる
	onDispose func(jobID string)
}

// NewRegistry は Registry を作成します。ttl が正の場合、終了状態のまま
// ttl を超えたジョブはジャニターが自動破棄します。
func NewRegistry(ttl time.Duration, onDispose func(jobID string), logger *log.Logger) *Registry {
	return &Registry{
		jobs:      make(map[string]*job),
		ttl:       ttl,
		logger:    logger,
		onDispose: onDispose,
	}
}

// Create は保存済みのアップロード画像からジョブを作成します。
func (r *Registry) Create(img *imaging.StoredImage) *JobView {
	now := time.Now()
	j := &job{
		id:           img.JobID,
		originalName: img.OriginalName,
		originalPath: img.Path,
		origWidth:    img.Width,
		origHeight:   img.Height,
		width:        img.Width,
		height:       img.Height,
		status:       StatusUploaded,
		artifacts: map[imaging.ArtifactKind]string{
			imaging.ArtifactOriginal: img.Path,
		},
		createdAt: now,
		updatedAt: now,
	}

	r.mu.Lock()
	r.jobs[j.id] = j
	r.mu.Unlock()

	return j.view()
}

// Get はジョブのスナップショットを返します。
// 存在しないIDはプロセス再起動後の失効も含めて JOB_NOT_FOUND です。
func (r *Registry) Get(jobID string) (*JobView, error) {
	j, err := r.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.viewLocked(), nil
}

// SetProgress は進捗文字列を更新します。終了状態のジョブには作用しません。
func (r *Registry) SetProgress(jobID, progress string) {
	_ = r.mutate(jobID, func(j *job) {
		if j.status.Terminal() {
			return
		}
		j.progress = progress
	})
}

// SetState は状態と進捗を更新します。終了状態からの遷移は Reset 以外では起きません。
func (r *Registry) SetState(jobID string, status Status, progress string) error {
	return r.mutate(jobID, func(j *job) {
		if j.status.Terminal() {
			return
		}
		j.status = status
		if progress != "" {
			j.progress = progress
		}
	})
}

// SetArtifact は成果物スロットを上書きします。ラスター成果物の場合は
// 作業寸法も更新します。終了状態のジョブには作用しません
// （再処理は Reset を経由して終了状態を解除してから書き込みます）。
func (r *Registry) SetArtifact(jobID string, kind imaging.ArtifactKind, path string, width, height int) error {
	return r.mutate(jobID, func(j *job) {
		if j.status.Terminal() {
			return
		}
		j.artifacts[kind] = path
		if width > 0 && height > 0 {
			j.width = width
			j.height = height
		}
	})
}

// MarkDone はジョブを完了状態にします。
func (r *Registry) MarkDone(jobID string) error {
	return r.mutate(jobID, func(j *job) {
		if j.status.Terminal() {
			return
		}
		j.status = StatusDone
		j.progress = "完了しました！"
		j.errorMessage = ""
		j.failedStage = ""
	})
}

// MarkFailed はジョブを失敗状態にし、失敗ステージと原因を記録します。
func (r *Registry) MarkFailed(jobID, stage, message string) error {
	return r.mutate(jobID, func(j *job) {
		if j.status.Terminal() {
			return
		}
		j.status = StatusError
		j.failedStage = stage
		j.errorMessage = message
		j.progress = fmt.Sprintf("エラー: %s", message)
	})
}

// Reset は終了状態のジョブを再処理可能な状態へ戻します。
// クライアントの明示的な再処理要求でのみ呼ばれます。
func (r *Registry) Reset(jobID string) error {
	return r.mutate(jobID, func(j *job) {
		j.status = StatusUploaded
		j.progress = ""
		j.errorMessage = ""
		j.failedStage = ""
	})
}

// Remove はジョブをレジストリから破棄します。処理中のジョブは破棄できません。
func (r *Registry) Remove(jobID string) error {
	j, err := r.lookup(jobID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	busy := j.status == StatusProcessing || j.status == StatusResizing
	j.mu.Unlock()
	if busy {
		return imaging.NewError(imaging.CodeJobBusy, "処理中のジョブは削除できません", nil)
	}

	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()

	if r.onDispose != nil {
		r.onDispose(jobID)
	}
	return nil
}

// Len は登録中のジョブ数を返します。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// StartJanitor は期限切れの終了済みジョブを定期的に破棄するゴルーチンを起動します。
func (r *Registry) StartJanitor(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.RLock()
	expired := make([]string, 0)
	for id, j := range r.jobs {
		j.mu.Lock()
		if j.status.Terminal() && j.updatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		j.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.Remove(id); err == nil && r.logger != nil {
			r.logger.Printf("expired job %s removed", id)
		}
	}
}

func (r *Registry) lookup(jobID string) (*job, error) {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, imaging.NewError(imaging.CodeJobNotFound,
			"指定されたジョブは存在しません。アップロードからやり直してください", nil)
	}
	return j, nil
}

func (r *Registry) mutate(jobID string, fn func(*job)) error {
	j, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j)
	j.updatedAt = time.Now()
	return nil
}

// lockRun はジョブの実行ロックを獲得して返します。リサイズとパイプラインが
// 同一ジョブで交錯しないよう、実行前に必ず獲得します。
func (r *Registry) lockRun(jobID string) (*job, error) {
	j, err := r.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.runMu.Lock()

	// ロック待ちの間に破棄されている可能性がある
	if _, err := r.lookup(jobID); err != nil {
		j.runMu.Unlock()
		return nil, err
	}
	return j, nil
}

func (r *Registry) unlockRun(j *job) {
	j.runMu.Unlock()
}

func (j *job) view() *JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.viewLocked()
}

func (j *job) viewLocked() *JobView {
	artifacts := make(map[imaging.ArtifactKind]string, len(j.artifacts))
	for k, v := range j.artifacts {
		artifacts[k] = v
	}
	return &JobView{
		ID:           j.id,
		OriginalName: j.originalName,
		Width:        j.width,
		Height:       j.height,
		OrigWidth:    j.origWidth,
		OrigHeight:   j.origHeight,
		Status:       j.status,
		Progress:     j.progress,
		ErrorMessage: j.errorMessage,
		FailedStage:  j.failedStage,
		Artifacts:    artifacts,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
}
