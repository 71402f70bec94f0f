package jobs

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/better-images/internal/imaging"
)

// ArchiveEntry はバッチアーカイブのマニフェスト1行分です。
type ArchiveEntry struct {
	JobID    string `json:"jobId"`
	Filename string `json:"filename"`
	Status   Status `json:"status"`
	File     string `json:"file,omitempty"`
	Note     string `json:"note,omitempty"`
}

type archiveManifest struct {
	BatchID   string         `json:"batchId"`
	CreatedAt string         `json:"createdAt"`
	Jobs      []ArchiveEntry `json:"jobs"`
}

// WriteArchive はバッチの全最終成果物とマニフェストを1つのZIPとして書き出します。
// 全メンバーが終了状態になるまでは利用できません。失敗したメンバーは成果物なしで
// マニフェストに記録され、アーカイブ自体は成功します。
func (b *Batches) WriteArchive(w io.Writer, batchID string) error {
	status, err := b.Status(batchID)
	if err != nil {
		return err
	}
	if !status.AllDone {
		return imaging.NewError(imaging.CodeResultNotReady,
			"バッチの処理がまだ完了していません。完了後に再度お試しください", nil)
	}

	zw := zip.NewWriter(w)
	manifest := archiveManifest{
		BatchID:   batchID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	usedNames := make(map[string]int)
	for _, member := range status.Jobs {
		view, err := b.registry.Get(member.ID)
		if err != nil {
			manifest.Jobs = append(manifest.Jobs, ArchiveEntry{
				JobID:  member.ID,
				Status: StatusError,
				Note:   "ジョブは破棄されたため成果物を含められませんでした",
			})
			continue
		}

		entry := ArchiveEntry{
			JobID:    view.ID,
			Filename: view.OriginalName,
			Status:   view.Status,
		}

		if view.Status != StatusDone {
			entry.Note = fmt.Sprintf("処理に失敗したため成果物を含められませんでした: %s", view.ErrorMessage)
			manifest.Jobs = append(manifest.Jobs, entry)
			continue
		}

		path, ok := view.Artifact(imaging.ArtifactFinal)
		if !ok {
			entry.Status = StatusError
			entry.Note = "最終成果物が見つかりませんでした"
			manifest.Jobs = append(manifest.Jobs, entry)
			continue
		}

		name := uniqueName(usedNames, DownloadName(view, imaging.ArtifactFinal))
		if err := addFileToZip(zw, path, name); err != nil {
			zw.Close()
			return err
		}
		entry.File = name
		manifest.Jobs = append(manifest.Jobs, entry)
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return fmt.Errorf("マニフェストの作成に失敗しました: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&manifest); err != nil {
		zw.Close()
		return fmt.Errorf("マニフェストの書き込みに失敗しました: %w", err)
	}

	return zw.Close()
}

func addFileToZip(zw *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
	}
	header.Name = name
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zipエントリの作成に失敗しました: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("zipエントリの書き込みに失敗しました: %w", err)
	}
	return nil
}

func uniqueName(used map[string]int, name string) string {
	n, ok := used[name]
	used[name] = n + 1
	if !ok {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", stem, n+1, ext)
}

// DownloadName はダウンロード用の分かりやすいファイル名を生成します。
// 元のファイル名のステムに成果物種別のサフィックスを付け、拡張子は実際の
// 成果物ファイルから引き継ぎます。
func DownloadName(view *JobView, kind imaging.ArtifactKind) string {
	stem := strings.TrimSuffix(view.OriginalName, filepath.Ext(view.OriginalName))

	suffix := ""
	switch kind {
	case imaging.ArtifactUpscaled:
		suffix = "_upscaled"
	case imaging.ArtifactNoBackground:
		suffix = "_nobg"
	case imaging.ArtifactResized:
		suffix = "_resized"
	case imaging.ArtifactFinal:
		suffix = "_processed"
	}

	ext := ".png"
	if path, ok := view.Artifact(kind); ok {
		ext = filepath.Ext(path)
	} else {
		switch kind {
		case imaging.ArtifactSVG:
			ext = ".svg"
		case imaging.ArtifactICO:
			ext = ".ico"
		}
	}
	return stem + suffix + ext
}
