package imaging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspace は1ジョブ分の作業ディレクトリ（in: 入力 / out: 成果物）です。
type workspace struct {
	jobID  string
	dir    string
	inDir  string
	outDir string
}

func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.cfg.DataDir, jobID)
	return workspace{
		jobID:  jobID,
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
}

func (s *Service) createWorkspace(jobID string) (workspace, error) {
	ws := s.workspaceFor(jobID)
	for _, dir := range []string{ws.inDir, ws.outDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return workspace{}, fmt.Errorf("ワークスペースの作成に失敗しました: %w", err)
		}
	}
	return ws, nil
}

func removeDir(dir string) error {
	if strings.TrimSpace(dir) == "" || dir == "/" {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(dir)
}

func writeBytes(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("成果物ファイルの書き込みに失敗しました: %w", err)
	}
	return nil
}

// DiscardJob はジョブのワークスペースを破棄します。
func (s *Service) DiscardJob(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("jobID is required")
	}
	return removeDir(s.workspaceFor(jobID).dir)
}
