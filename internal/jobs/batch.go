package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/better-images/internal/imaging"
)

// batch はジョブIDのグループです。ジョブを所有せず、参照だけを持ちます。
// バッチを破棄してもメンバーのジョブは（cascade指定がない限り）残ります。
type batch struct {
	id        string
	jobIDs    []string
	createdAt time.Time

	mu     sync.Mutex
	params imaging.Params
	hasRun bool
}

// Batches はバッチの登録と集約状態の導出を担います。
type Batches struct {
	mu       sync.RWMutex
	batches  map[string]*batch
	registry *Registry
}

// NewBatches は Batches を作成します。
func NewBatches(registry *Registry) *Batches {
	return &Batches{
		batches:  make(map[string]*batch),
		registry: registry,
	}
}

// Create はジョブIDの集合から新しいバッチを作成します。
// 空の集合と未知のジョブIDは拒否します。
func (b *Batches) Create(jobIDs []string) (string, error) {
	if len(jobIDs) == 0 {
		return "", imaging.NewError(imaging.CodeInvalidInput, "バッチには1件以上のジョブを指定してください", nil)
	}

	seen := make(map[string]struct{}, len(jobIDs))
	ids := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, err := b.registry.Get(id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}

	bt := &batch{
		id:        uuid.NewString(),
		jobIDs:    ids,
		createdAt: time.Now(),
	}

	b.mu.Lock()
	b.batches[bt.id] = bt
	b.mu.Unlock()

	return bt.id, nil
}

// JobIDs はバッチのメンバー一覧を返します。
func (b *Batches) JobIDs(batchID string) ([]string, error) {
	bt, err := b.lookup(batchID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), bt.jobIDs...), nil
}

// SetParams はバッチ全メンバーへ適用する共有パラメータを設定します。
func (b *Batches) SetParams(batchID string, params imaging.Params) error {
	bt, err := b.lookup(batchID)
	if err != nil {
		return err
	}
	bt.mu.Lock()
	bt.params = params
	bt.hasRun = true
	bt.mu.Unlock()
	return nil
}

// Params はバッチの共有パラメータを返します。
func (b *Batches) Params(batchID string) (imaging.Params, error) {
	bt, err := b.lookup(batchID)
	if err != nil {
		return imaging.Params{}, err
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.params, nil
}

// Status はバッチの集約状態を導出します。
// allDone は全メンバーが終了状態（done / error）のとき、anyError は1件でも
// error のとき真になります。メンバーの終了状態は巻き戻らないため、どちらも
// 一度真になったら安定です。
func (b *Batches) Status(batchID string) (*BatchStatus, error) {
	bt, err := b.lookup(batchID)
	if err != nil {
		return nil, err
	}

	status := &BatchStatus{
		ID:      batchID,
		Jobs:    make([]BatchJobView, 0, len(bt.jobIDs)),
		AllDone: true,
	}
	for _, id := range bt.jobIDs {
		view, err := b.registry.Get(id)
		if err != nil {
			// バッチより先に破棄されたメンバーは失敗扱いで集約する
			status.Jobs = append(status.Jobs, BatchJobView{
				ID:       id,
				Status:   StatusError,
				Progress: "ジョブは破棄されました",
			})
			status.AnyError = true
			continue
		}
		status.Jobs = append(status.Jobs, BatchJobView{
			ID:       id,
			Status:   view.Status,
			Progress: view.Progress,
		})
		if !view.Status.Terminal() {
			status.AllDone = false
		}
		if view.Status == StatusError {
			status.AnyError = true
		}
	}
	return status, nil
}

// Remove はバッチを破棄します。cascade が真の場合はメンバーのジョブも
// 破棄します（処理中のメンバーがいる場合は失敗します）。
func (b *Batches) Remove(batchID string, cascade bool) error {
	bt, err := b.lookup(batchID)
	if err != nil {
		return err
	}

	if cascade {
		for _, id := range bt.jobIDs {
			if err := b.registry.Remove(id); err != nil {
				var apiErr *imaging.Error
				if errors.As(err, &apiErr) && apiErr.Code == imaging.CodeJobNotFound {
					continue
				}
				return err
			}
		}
	}

	b.mu.Lock()
	delete(b.batches, batchID)
	b.mu.Unlock()
	return nil
}

func (b *Batches) lookup(batchID string) (*batch, error) {
	b.mu.RLock()
	bt, ok := b.batches[batchID]
	b.mu.RUnlock()
	if !ok {
		return nil, imaging.NewError(imaging.CodeBatchNotFound,
			"指定されたバッチは存在しません。アップロードからやり直してください", nil)
	}
	return bt, nil
}
