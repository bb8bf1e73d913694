package cloud

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LocalDirTransport stores backups in a local directory, typically a
// mounted removable drive. It is also the reference implementation the
// orchestrator tests run against.
type LocalDirTransport struct {
	root string
}

func NewLocalDirTransport(root string) (*LocalDirTransport, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, newError(KindOther, "ensure-root", err)
	}
	return &LocalDirTransport{root: root}, nil
}

func (t *LocalDirTransport) EnsureFolder(ctx context.Context, name string) (Folder, error) {
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}
	dir := filepath.Join(t.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Folder{}, newError(KindOther, "ensure-folder", err)
	}
	return Folder{ID: dir, Name: name}, nil
}

func (t *LocalDirTransport) Upload(ctx context.Context, folder Folder, name string, r io.Reader, size int64, sink ProgressSink) (string, error) {
	target := filepath.Join(folder.ID, name)

	// write to a temp file first so a cancelled upload never leaves a
	// half-written object behind
	tmp, err := os.CreateTemp(folder.ID, ".upload-*")
	if err != nil {
		return "", newError(KindOther, "upload", err)
	}
	if _, err := copyChunks(ctx, tmp, r, size, sink); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newError(KindOther, "upload", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", newError(KindOther, "upload", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", newError(KindOther, "upload", err)
	}
	return target, nil
}

func (t *LocalDirTransport) Download(ctx context.Context, folder Folder, name string, w io.Writer, sink ProgressSink) error {
	source := filepath.Join(folder.ID, name)
	file, err := os.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			return newError(KindOther, "download", fmt.Errorf("no such object %q", name))
		}
		return newError(KindOther, "download", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return newError(KindOther, "download", err)
	}
	if _, err := copyChunks(ctx, w, file, info.Size(), sink); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindOther, "download", err)
	}
	return nil
}

func (t *LocalDirTransport) List(ctx context.Context, folder Folder) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(folder.ID)
	if err != nil {
		return nil, newError(KindOther, "list", err)
	}
	objects := []Object{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			Name:       e.Name(),
			RemoteID:   filepath.Join(folder.ID, e.Name()),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (t *LocalDirTransport) Delete(ctx context.Context, folder Folder, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// remoteID is the absolute path returned by Upload/List; refuse
	// anything outside the folder
	rel, err := filepath.Rel(folder.ID, remoteID)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) > 1 && rel[:2] == ".." {
		return newError(KindOther, "delete", fmt.Errorf("object %q not in folder %q", remoteID, folder.Name))
	}
	if err := os.Remove(remoteID); err != nil {
		return newError(KindOther, "delete", err)
	}
	return nil
}
