package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
)

// Entry is one file row of an archive. Paths are archive-relative and
// slash-separated.
type Entry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex sha256 of the file contents
}

// Input maps an absolute filesystem path (file or directory) to a
// relative path inside the archive. Directories are walked recursively.
type Input struct {
	SourcePath  string
	ArchivePath string
}

// Mismatch reports one entry whose recomputed checksum did not match
// the expected one, or which was missing from the stream entirely.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"` // empty if the entry was missing
}

// Codec builds and unpacks the gzip-compressed tar containers LumiSync
// stores remotely. Checksums are computed while streaming; file bytes
// are never read twice.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Build walks each input, copies file bytes into w and returns the
// entry list sorted lexicographically by archive path. Two builds of
// identical input produce an identical entry list. The cancel signal
// is polled between entries.
func (c *Codec) Build(ctx context.Context, w io.Writer, inputs []Input) ([]Entry, error) {
	files, err := expandInputs(inputs)
	if err != nil {
		return nil, err
	}

	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(f.SourcePath)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		hash, err := writeFileToTar(tarWriter, f.ArchivePath, f.SourcePath, info)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Path:     f.ArchivePath,
			Size:     info.Size(),
			Checksum: hash,
		})
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Extract unpacks r into targetRoot, refusing to write outside it.
// Any entry whose path contains an upward reference fails with
// ErrUnsafeArchivePath before anything else is written for it.
func (c *Codec) Extract(ctx context.Context, r io.Reader, targetRoot string) ([]Entry, error) {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lumisync.ErrArchiveCorrupt, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	extracted := []Entry{}
	for {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("%w: %v", lumisync.ErrArchiveCorrupt, err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}
		if !safeArchivePath(header.Name) {
			return extracted, fmt.Errorf("%w: %q", lumisync.ErrUnsafeArchivePath, header.Name)
		}

		targetPath := filepath.Join(targetRoot, filepath.FromSlash(header.Name))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return extracted, err
		}

		hash := sha256.New()
		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
		if err != nil {
			return extracted, err
		}
		if _, err := io.Copy(io.MultiWriter(file, hash), tarReader); err != nil {
			file.Close()
			return extracted, err
		}
		if err := file.Close(); err != nil {
			return extracted, err
		}
		extracted = append(extracted, Entry{
			Path:     header.Name,
			Size:     header.Size,
			Checksum: hex.EncodeToString(hash.Sum(nil)),
		})
	}
	return extracted, nil
}

// Verify recomputes every entry checksum from r and compares against
// the expected set. An empty mismatch list means the archive is good.
// Entries present in the stream but absent from the expected set are
// also mismatches: the manifest must be a superset of the archive.
func (c *Codec) Verify(r io.Reader, expected []Entry) ([]Mismatch, error) {
	want := make(map[string]Entry, len(expected))
	for _, e := range expected {
		want[e.Path] = e
	}

	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lumisync.ErrArchiveCorrupt, err)
	}
	defer gzipReader.Close()

	mismatches := []Mismatch{}
	seen := map[string]struct{}{}
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", lumisync.ErrArchiveCorrupt, err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}
		seen[header.Name] = struct{}{}

		hash := sha256.New()
		if _, err := io.Copy(hash, tarReader); err != nil {
			return nil, err
		}
		actual := hex.EncodeToString(hash.Sum(nil))

		entry, ok := want[header.Name]
		if !ok {
			mismatches = append(mismatches, Mismatch{Path: header.Name, Actual: actual})
			continue
		}
		if actual != entry.Checksum {
			mismatches = append(mismatches, Mismatch{Path: header.Name, Expected: entry.Checksum, Actual: actual})
		}
	}

	for p, e := range want {
		if _, ok := seen[p]; !ok {
			mismatches = append(mismatches, Mismatch{Path: p, Expected: e.Checksum})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	return mismatches, nil
}

// FileChecksum computes the hex sha256 of a file on disk. Used by the
// restore differ to compare local state against manifest entries.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func expandInputs(inputs []Input) ([]Input, error) {
	files := []Input{}
	for _, in := range inputs {
		archivePath := path.Clean(filepath.ToSlash(in.ArchivePath))
		if !safeArchivePath(archivePath) {
			return nil, fmt.Errorf("%w: %q", lumisync.ErrUnsafeArchivePath, in.ArchivePath)
		}
		info, err := os.Stat(in.SourcePath)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, Input{SourcePath: in.SourcePath, ArchivePath: archivePath})
			continue
		}
		err = filepath.WalkDir(in.SourcePath, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(in.SourcePath, p)
			if err != nil {
				return err
			}
			files = append(files, Input{
				SourcePath:  p,
				ArchivePath: path.Join(archivePath, filepath.ToSlash(rel)),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ArchivePath < files[j].ArchivePath })
	return files, nil
}

func safeArchivePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func writeFileToTar(tw *tar.Writer, tarPath string, srcPath string, info os.FileInfo) (string, error) {
	file, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header := &tar.Header{
		Name:    tarPath,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return "", err
	}
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
