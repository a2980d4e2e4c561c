package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/fileutil"
	"cvtrack/internal/services"
)

// stagedFile is a reserved slot at <uploadDir>/<owner>/<uuid><ext>.
type stagedFile struct {
	name   string
	ext    string
	stored string
	rel    string
	dst    string
}

func reserveStage(uploadDir, owner, name string) (stagedFile, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return stagedFile{}, services.Wrap(services.ErrValidation, "pipeline", "stage", "file name is required", nil)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := cvstore.ParseFileType(ext); !ok {
		return stagedFile{}, services.Wrap(services.ErrValidation, "pipeline", "stage", fmt.Sprintf("unsupported file type %q", ext), nil)
	}
	stored := uuid.NewString() + ext
	rel := filepath.Join(owner, stored)
	dst := filepath.Join(uploadDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return stagedFile{}, services.Wrap(services.ErrIO, "pipeline", "stage", "create upload directory", err)
	}
	return stagedFile{name: name, ext: ext, stored: stored, rel: rel, dst: dst}, nil
}

func (s stagedFile) upload(size int64) Upload {
	return Upload{
		OriginalName: s.name,
		StoredName:   s.stored,
		StoragePath:  s.rel,
		Size:         size,
		FileType:     s.ext,
	}
}

// StageCopy copies src into <uploadDir>/<owner>/<uuid><ext> and describes
// the stored file. The source is left in place.
func StageCopy(uploadDir, owner, src string) (Upload, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Upload{}, services.Wrap(services.ErrIO, "pipeline", "stage", "stat source", err)
	}
	if !info.Mode().IsRegular() {
		return Upload{}, services.Wrap(services.ErrValidation, "pipeline", "stage", fmt.Sprintf("%s is not a regular file", src), nil)
	}
	slot, err := reserveStage(uploadDir, owner, src)
	if err != nil {
		return Upload{}, err
	}
	if _, err := fileutil.CopyFileVerified(src, slot.dst); err != nil {
		return Upload{}, services.Wrap(services.ErrIO, "pipeline", "stage", "copy upload", err)
	}
	return slot.upload(info.Size()), nil
}

// StageReader stores the contents of r under the same layout as StageCopy,
// keeping name as the original file name. A partial file is removed on error.
func StageReader(uploadDir, owner, name string, r io.Reader) (Upload, error) {
	slot, err := reserveStage(uploadDir, owner, name)
	if err != nil {
		return Upload{}, err
	}
	out, err := os.OpenFile(slot.dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, services.Wrap(services.ErrIO, "pipeline", "stage", "create upload", err)
	}
	size, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(slot.dst)
		return Upload{}, services.Wrap(services.ErrIO, "pipeline", "stage", "write upload", err)
	}
	return slot.upload(size), nil
}

// DiscardStaged removes stored copies of uploads that did not become records.
func DiscardStaged(uploadDir string, uploads ...Upload) {
	for _, up := range uploads {
		if up.StoragePath != "" {
			_ = os.Remove(filepath.Join(uploadDir, up.StoragePath))
		}
	}
}
