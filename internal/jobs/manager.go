package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/yourusername/better-images/internal/config"
	"github.com/yourusername/better-images/internal/imaging"
)

// task は1ジョブ分のパイプライン実行依頼です。
type task struct {
	jobID   string
	batchID string
	params  imaging.Params
}

// PipelineRunner はパイプラインを実行できるサービスが実装します。
type PipelineRunner interface {
	Execute(ctx context.Context, in imaging.ExecuteInput) (*imaging.ExecuteResult, error)
}

// Manager はジョブの投入と有界ワーカープールでの実行を担います。
// 同時実行パイプライン数は設定で固定され、バッチの大きさに依存しません。
// パイプライン内部のタイル並列数と合わせて全体のメモリ予算を構成します。
type Manager struct {
	cfg      *config.Config
	runner   PipelineRunner
	registry *Registry
	batches  *Batches
	logger   *log.Logger

	mu    sync.Mutex // 投入の直列化（バッチ一括投入の容量確認に必要）
	tasks chan task
	wg    sync.WaitGroup
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner PipelineRunner, registry *Registry, batches *Batches, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		registry: registry,
		batches:  batches,
		logger:   logger,
		tasks:    make(chan task, cfg.QueueDepth),
	}, nil
}

// Start はワーカーをバックグラウンドで起動します。
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.wg.Add(1)
		go m.runWorker(ctx)
	}
}

// Wait は投入済みタスクの完了とワーカーの終了を待ちます。
func (m *Manager) Wait() {
	close(m.tasks)
	m.wg.Wait()
}

// EnqueueJob は単一ジョブのパイプライン実行をキューへ投入します。
// キューが上限に達している場合は QUEUE_FULL で失敗します（リトライ可能）。
func (m *Manager) EnqueueJob(jobID string, params imaging.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(task{jobID: jobID, params: params})
}

// EnqueueBatch はバッチ全メンバーのパイプライン実行を一括投入します。
// 全メンバー分の空きがない場合は1件も投入せずに QUEUE_FULL で失敗します。
func (m *Manager) EnqueueBatch(batchID string, params imaging.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	jobIDs, err := m.batches.JobIDs(batchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 混雑判定と同じロック下でメンバー全員の状態を確認し、1件も投入せずに拒否する
	for _, id := range jobIDs {
		view, err := m.registry.Get(id)
		if err != nil {
			return err
		}
		if view.Status == StatusProcessing || view.Status == StatusResizing {
			return imaging.NewError(imaging.CodeJobBusy,
				fmt.Sprintf("ジョブ %s は既に処理中です", id), nil)
		}
	}
	if err := m.batches.SetParams(batchID, params); err != nil {
		return err
	}

	if cap(m.tasks)-len(m.tasks) < len(jobIDs) {
		return imaging.NewError(imaging.CodeQueueFull,
			"処理キューが混み合っています。しばらく待ってから再度お試しください", nil)
	}
	for _, id := range jobIDs {
		if err := m.enqueueLocked(task{jobID: id, batchID: batchID, params: params}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) enqueueLocked(t task) error {
	// 状態遷移と投入を同じロック下で行い、同一ジョブへの並行リクエストが
	// 実行中のジョブを uploaded へ巻き戻したり二重投入したりしないようにする
	view, err := m.registry.Get(t.jobID)
	if err != nil {
		return err
	}
	if view.Status == StatusProcessing || view.Status == StatusResizing {
		return imaging.NewError(imaging.CodeJobBusy, "このジョブは既に処理中です", nil)
	}

	// ワーカーが拾う前にポーリングが「待機中」を観測できるよう先に状態を書く
	if err := m.registry.Reset(t.jobID); err != nil {
		return err
	}
	if err := m.registry.SetState(t.jobID, StatusProcessing, "処理待ちです..."); err != nil {
		return err
	}

	select {
	case m.tasks <- t:
		return nil
	default:
		_ = m.registry.SetState(t.jobID, StatusUploaded, "")
		return imaging.NewError(imaging.CodeQueueFull,
			"処理キューが混み合っています。しばらく待ってから再度お試しください", nil)
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-m.tasks:
			if !ok {
				return
			}
			m.runTask(ctx, t)
		}
	}
}

// runTask は1ジョブのパイプラインを実行します。エラーはジョブに記録するのみで、
// 同じバッチの他メンバーには影響しません。
func (m *Manager) runTask(ctx context.Context, t task) {
	j, err := m.registry.lockRun(t.jobID)
	if err != nil {
		// 投入後に破棄されたジョブは静かにスキップする
		if m.logger != nil {
			m.logger.Printf("task for job %s skipped: %v", t.jobID, err)
		}
		return
	}
	defer m.registry.unlockRun(j)

	view, err := m.registry.Get(t.jobID)
	if err != nil {
		return
	}

	_ = m.registry.SetState(t.jobID, StatusProcessing, "処理を開始しています...")

	res, err := m.runner.Execute(ctx, imaging.ExecuteInput{
		JobID:      t.jobID,
		SourcePath: view.WorkingSource(),
		Params:     t.params,
		Sink:       &registrySink{registry: m.registry, jobID: t.jobID},
	})
	if err != nil {
		stage := "process"
		var stageErr *imaging.StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		_ = m.registry.MarkFailed(t.jobID, stage, err.Error())
		if m.logger != nil {
			m.logger.Printf("job %s failed at stage %s: %v", t.jobID, stage, err)
		}
		return
	}

	_ = m.registry.SetArtifact(t.jobID, imaging.ArtifactFinal, res.FinalPath, res.Width, res.Height)
	_ = m.registry.MarkDone(t.jobID)
	if m.logger != nil {
		m.logger.Printf("job %s complete: %s (%dx%d)", t.jobID, res.FinalPath, res.Width, res.Height)
	}
}

// registrySink はパイプラインの進捗と成果物をレジストリへ書き込みます。
type registrySink struct {
	registry *Registry
	jobID    string
}

func (s *registrySink) Progress(stage string) {
	s.registry.SetProgress(s.jobID, stage)
}

func (s *registrySink) Artifact(kind imaging.ArtifactKind, path string, width, height int) {
	_ = s.registry.SetArtifact(s.jobID, kind, path, width, height)
}
