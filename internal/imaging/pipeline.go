package imaging

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
)

// Sink はパイプライン実行中の進捗と成果物の書き込み先です。
// Progress は各ステージの開始前に呼ばれるため、同時にポーリングしている
// クライアントは「これから何をするか」を観測できます。
type Sink interface {
	Progress(stage string)
	Artifact(kind ArtifactKind, path string, width, height int)
}

// ExecuteInput はパイプライン1回分の入力です。
type ExecuteInput struct {
	JobID      string
	SourcePath string // 作業対象（明示リサイズ済みならその成果物、なければ元画像）
	Params     Params
	Sink       Sink
}

// ExecuteResult はパイプラインの最終成果です。
type ExecuteResult struct {
	FinalKind ArtifactKind
	FinalPath string
	Width     int
	Height    int
}

// StageError は失敗したステージ名と原因を保持します。
type StageError struct {
	Stage string
	Err   error
}

// Error は error インターフェースを満たします。
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap は元になったエラーを返します。
func (e *StageError) Unwrap() error {
	return e.Err
}

type stageID int

const (
	stageResizeGuard stageID = iota
	stageUpscale
	stageRemoveBackground
	stageTrim
	stageVectorize
	stagePackIcon
)

type stage struct {
	id    stageID
	name  string // エラー記録用の識別子
	label string // ポーリングに見せる進捗文字列
}

// buildStages は有効なステージを固定順で並べます。無効なステージはリストに
// 含めず、実行時の分岐を排除します。順序は
// 縮小ガード → 拡大 → 背景除去 → トリム → フォーマット変換 で固定です。
func buildStages(p Params, needsGuard bool) []stage {
	stages := make([]stage, 0, 5)
	if needsGuard {
		stages = append(stages, stage{stageResizeGuard, "resize_guard", "大きな画像を縮小しています..."})
	}
	if p.Upscale > 0 {
		stages = append(stages, stage{stageUpscale, "upscale",
			fmt.Sprintf("%dx拡大を実行しています...", p.Upscale)})
	}
	if p.RemoveBG {
		stages = append(stages, stage{stageRemoveBackground, "remove_background", "背景を除去しています..."})
	}
	if p.Trim {
		stages = append(stages, stage{stageTrim, "trim", "余白を切り詰めています..."})
	}
	switch p.Format {
	case FormatSVG:
		stages = append(stages, stage{stageVectorize, "vectorize", "SVGへ変換しています..."})
	case FormatICO:
		stages = append(stages, stage{stagePackIcon, "pack_icon", "ICOへ変換しています..."})
	}
	return stages
}

// Execute はパイプラインを実行します。ステージ順は Params から一意に決まり、
// 同一の入力と Params に対して常に同じステージ列を実行します。
// いずれかのステージが失敗した場合、それ以降のステージは実行されません。
func (s *Service) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	if err := in.Params.Validate(); err != nil {
		return nil, err
	}
	if in.Sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}

	cur, err := DecodeFile(in.SourcePath)
	if err != nil {
		return nil, &StageError{Stage: "load", Err: err}
	}

	// 縮小ガードはパラメータに関係なく、しきい値超過時に必ず先頭で実行する
	needsGuard := NeedsResizeGuard(cur.Bounds().Dx(), cur.Bounds().Dy(), s.cfg.MaxInputDim)
	stages := buildStages(in.Params, needsGuard)

	ws := s.workspaceFor(in.JobID)
	finalPath := in.SourcePath
	finalKind := ArtifactOriginal

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: st.name, Err: err}
		}
		in.Sink.Progress(st.label)

		var (
			outPath string
			kind    ArtifactKind
			runErr  error
		)

		switch st.id {
		case stageResizeGuard:
			w, h := GuardSize(cur.Bounds().Dx(), cur.Bounds().Dy(), s.cfg.MaxInputDim)
			cur = ScaleTo(cur, w, h)
			kind = ArtifactResized
			outPath = filepath.Join(ws.outDir, "resized.png")
			runErr = EncodePNGFile(outPath, cur)

		case stageUpscale:
			var out *image.NRGBA
			out, runErr = RunTiled(ctx, cur, &upscaleTransform{
				upscaler: s.engines.Upscaler,
				factor:   in.Params.Upscale,
			}, TileOptions{
				TileSize: s.cfg.TileSize,
				Overlap:  s.cfg.TileOverlap,
				Workers:  s.cfg.TileWorkers,
			})
			if runErr == nil {
				cur = out
				kind = ArtifactUpscaled
				outPath = filepath.Join(ws.outDir, "upscaled.png")
				runErr = EncodePNGFile(outPath, cur)
			}

		case stageRemoveBackground:
			var out *image.NRGBA
			out, _, runErr = s.engines.Remover.Remove(ctx, cur)
			if runErr == nil {
				cur = out
				kind = ArtifactNoBackground
				outPath = filepath.Join(ws.outDir, "no_background.png")
				runErr = EncodePNGFile(outPath, cur)
			}

		case stageTrim:
			cur = TrimToContent(cur)
			kind = ArtifactFinal
			outPath = filepath.Join(ws.outDir, "final.png")
			runErr = EncodePNGFile(outPath, cur)

		case stageVectorize:
			var data []byte
			data, runErr = s.engines.Vectorizer.Vectorize(ctx, cur)
			if runErr == nil {
				kind = ArtifactSVG
				outPath = filepath.Join(ws.outDir, "final.svg")
				runErr = writeBytes(outPath, data)
			}

		case stagePackIcon:
			var data []byte
			data, runErr = s.engines.IconPacker.Pack(ctx, cur, nil)
			if runErr == nil {
				kind = ArtifactICO
				outPath = filepath.Join(ws.outDir, "final.ico")
				runErr = writeBytes(outPath, data)
			}
		}

		if runErr != nil {
			if s.logger != nil {
				s.logger.Printf("pipeline job=%s stage=%s failed: %v", in.JobID, st.name, runErr)
			}
			return nil, &StageError{Stage: st.name, Err: runErr}
		}

		in.Sink.Artifact(kind, outPath, cur.Bounds().Dx(), cur.Bounds().Dy())
		finalPath = outPath
		finalKind = kind
	}

	return &ExecuteResult{
		FinalKind: finalKind,
		FinalPath: finalPath,
		Width:     cur.Bounds().Dx(),
		Height:    cur.Bounds().Dy(),
	}, nil
}

// upscaleTransform は engine.Upscaler をタイル変換として適用するアダプターです。
type upscaleTransform struct {
	upscaler interface {
		Upscale(ctx context.Context, tile *image.NRGBA, factor int) (*image.NRGBA, error)
	}
	factor int
}

func (t *upscaleTransform) Scale() int {
	return t.factor
}

func (t *upscaleTransform) Apply(ctx context.Context, tile *image.NRGBA) (*image.NRGBA, error) {
	return t.upscaler.Upscale(ctx, tile, t.factor)
}
