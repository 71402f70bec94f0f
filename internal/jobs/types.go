// Package jobs はジョブ・バッチの状態管理と非同期実行を提供します。
package jobs

import (
	"time"

	"github.com/yourusername/better-images/internal/imaging"
)

// Status はジョブのライフサイクル状態を表します。
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusResizing   Status = "resizing"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal は終了状態（done / error）かどうかを返します。
// 終了状態に達したジョブは明示的な破棄か再処理要求以外では変化しません。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// JobView はポーリング用のジョブスナップショットです。読み取り専用です。
type JobView struct {
	ID           string
	OriginalName string
	Width        int
	Height       int
	OrigWidth    int
	OrigHeight   int
	Status       Status
	Progress     string
	ErrorMessage string
	FailedStage  string
	Artifacts    map[imaging.ArtifactKind]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Artifact は成果物のパスを返します。original は常に利用可能です。
func (v *JobView) Artifact(kind imaging.ArtifactKind) (string, bool) {
	path, ok := v.Artifacts[kind]
	return path, ok
}

// WorkingSource はパイプラインの入力とすべきパスを返します。
// 明示リサイズ済みであればその成果物、なければ元画像です。
func (v *JobView) WorkingSource() string {
	if path, ok := v.Artifacts[imaging.ArtifactResized]; ok {
		return path
	}
	return v.Artifacts[imaging.ArtifactOriginal]
}

// BatchJobView はバッチ状態レスポンス内の1ジョブ分の要約です。
type BatchJobView struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Progress string `json:"progress"`
}

// BatchStatus はバッチ全体の集約状態です。
// AllDone / AnyError はメンバーの終了状態から導出され、一度真になったら
// （メンバーが終了状態から戻らないため）偽へ戻ることはありません。
type BatchStatus struct {
	ID       string         `json:"batchId"`
	Jobs     []BatchJobView `json:"jobs"`
	AllDone  bool           `json:"allDone"`
	AnyError bool           `json:"anyError"`
}
