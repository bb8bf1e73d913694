package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
)

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func buildTestArchive(t *testing.T) (*bytes.Buffer, []Entry, string) {
	t.Helper()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "prefs.js"), "user_pref ok")
	mustWriteFile(t, filepath.Join(src, "chrome", "userChrome.css"), "body {}")
	mustWriteFile(t, filepath.Join(src, "places.sqlite"), "sqlite data")

	var buf bytes.Buffer
	entries, err := NewCodec().Build(context.Background(), &buf, []Input{
		{SourcePath: src, ArchivePath: "Files/firefox/profile"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return &buf, entries, src
}

func TestBuildExtractRoundTrip(t *testing.T) {
	buf, entries, src := buildTestArchive(t)

	target := t.TempDir()
	extracted, err := NewCodec().Extract(context.Background(), bytes.NewReader(buf.Bytes()), target)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(extracted) != len(entries) {
		t.Fatalf("expected %d extracted entries, got %d", len(entries), len(extracted))
	}

	original, err := os.ReadFile(filepath.Join(src, "chrome", "userChrome.css"))
	if err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(filepath.Join(target, "Files", "firefox", "profile", "chrome", "userChrome.css"))
	if err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if !bytes.Equal(original, restored) {
		t.Fatal("extracted contents differ from original")
	}
}

func TestBuildEntryOrderIsDeterministic(t *testing.T) {
	_, first, _ := buildTestArchive(t)

	if len(first) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].Path >= first[i].Path {
			t.Fatalf("entries not in lexicographic order: %s >= %s", first[i-1].Path, first[i].Path)
		}
	}
}

func TestVerifyDetectsSingleByteCorruption(t *testing.T) {
	buf, entries, _ := buildTestArchive(t)

	mismatches, err := NewCodec().Verify(bytes.NewReader(buf.Bytes()), entries)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected clean verify, got %d mismatches", len(mismatches))
	}

	// corrupt one entry's expected checksum; exactly that entry must flip
	corrupted := append([]Entry{}, entries...)
	corrupted[1].Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	mismatches, err = NewCodec().Verify(bytes.NewReader(buf.Bytes()), corrupted)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("expected exactly 1 mismatch, got %d", len(mismatches))
	}
	if mismatches[0].Path != corrupted[1].Path {
		t.Fatalf("wrong entry flagged: %s", mismatches[0].Path)
	}
}

func TestVerifyReportsMissingAndUnexpectedEntries(t *testing.T) {
	buf, entries, _ := buildTestArchive(t)

	expected := append([]Entry{}, entries...)
	expected = expected[:len(expected)-1]
	expected = append(expected, Entry{Path: "Files/firefox/profile/not-there.js", Checksum: "ab"})

	mismatches, err := NewCodec().Verify(bytes.NewReader(buf.Bytes()), expected)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("expected 2 mismatches, got %d", len(mismatches))
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "evil.txt"), "evil")

	var buf bytes.Buffer
	_, err := NewCodec().Build(context.Background(), &buf, []Input{
		{SourcePath: filepath.Join(src, "evil.txt"), ArchivePath: "../escape.txt"},
	})
	if !errors.Is(err, lumisync.ErrUnsafeArchivePath) {
		t.Fatalf("expected ErrUnsafeArchivePath from Build, got %v", err)
	}

	// a crafted archive with an upward reference is refused on extract
	var crafted bytes.Buffer
	gz := gzip.NewWriter(&crafted)
	tw := tar.NewWriter(gz)
	payload := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(payload))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	target := t.TempDir()
	_, err = NewCodec().Extract(context.Background(), bytes.NewReader(crafted.Bytes()), target)
	if !errors.Is(err, lumisync.ErrUnsafeArchivePath) {
		t.Fatalf("expected ErrUnsafeArchivePath from Extract, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt")); statErr == nil {
		t.Fatal("file escaped the extraction root")
	}
}

func TestExtractHonoursCancellation(t *testing.T) {
	buf, _, _ := buildTestArchive(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCodec().Extract(ctx, bytes.NewReader(buf.Bytes()), t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFileChecksumMatchesBuildChecksum(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "data.bin")
	mustWriteFile(t, path, "some bytes worth hashing")

	var buf bytes.Buffer
	entries, err := NewCodec().Build(context.Background(), &buf, []Input{
		{SourcePath: path, ArchivePath: "data.bin"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	sum, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}
	if sum != entries[0].Checksum {
		t.Fatalf("checksum mismatch: %s != %s", sum, entries[0].Checksum)
	}
}
