package manifest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	transport, err := cloud.NewLocalDirTransport(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	folder, err := transport.EnsureFolder(context.Background(), "LumiSync")
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(transport, folder)
}

func testManifest(id string, createdAt time.Time) *Manifest {
	return &Manifest{
		BackupID:        id,
		SchemaVersion:   SchemaVersion,
		CreatedAt:       createdAt,
		Categories:      []lumisync.Category{lumisync.CategoryDesktop},
		Entries:         []archive.Entry{{Path: "Desktop/settings.json", Size: 10, Checksum: "aa"}},
		TotalSize:       10,
		ArchiveChecksum: "bb",
	}
}

func putBackup(t *testing.T, s *Store, id string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.UploadArchive(ctx, id, strings.NewReader("archive bytes"), 13, nil); err != nil {
		t.Fatalf("UploadArchive failed: %v", err)
	}
	if err := s.Put(ctx, testManifest(id, createdAt)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestPutFetchRoundTrip(t *testing.T) {
	s := testStore(t)
	created := time.Now().UTC().Truncate(time.Second)
	putBackup(t, s, "20260101-000000-aaaa0000", created)

	m, err := s.Fetch(context.Background(), "20260101-000000-aaaa0000")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if m.BackupID != "20260101-000000-aaaa0000" || !m.CreatedAt.Equal(created) {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(m.Entries) != 1 || m.Entries[0].Path != "Desktop/settings.json" {
		t.Fatalf("entries not preserved: %+v", m.Entries)
	}
}

func TestFetchUnknownBackup(t *testing.T) {
	s := testStore(t)
	_, err := s.Fetch(context.Background(), "nope")
	if !errors.Is(err, lumisync.ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestListAvailableNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	putBackup(t, s, "older", base)
	putBackup(t, s, "newest", base.Add(2*time.Hour))
	putBackup(t, s, "middle", base.Add(time.Hour))

	manifests, err := s.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(manifests) != 3 {
		t.Fatalf("expected 3 manifests, got %d", len(manifests))
	}
	order := []string{manifests[0].BackupID, manifests[1].BackupID, manifests[2].BackupID}
	if order[0] != "newest" || order[1] != "middle" || order[2] != "older" {
		t.Fatalf("wrong order: %v", order)
	}
}

func TestListSkipsManifestWithoutArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	// manifest uploaded but its archive is missing: never listed
	if err := s.Put(ctx, testManifest("dangling", time.Now())); err != nil {
		t.Fatal(err)
	}
	putBackup(t, s, "complete", time.Now())

	manifests, err := s.ListAvailable(ctx)
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(manifests) != 1 || manifests[0].BackupID != "complete" {
		t.Fatalf("expected only the complete backup, got %+v", manifests)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte(`{"backupId": "x"}`)))
	if !errors.Is(err, lumisync.ErrManifestCorrupt) {
		t.Fatalf("expected ErrManifestCorrupt, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not json at all")))
	if !errors.Is(err, lumisync.ErrManifestCorrupt) {
		t.Fatalf("expected ErrManifestCorrupt, got %v", err)
	}
}

func TestDecodeRejectsNewerSchemaMajor(t *testing.T) {
	m := testManifest("future", time.Now())
	m.SchemaVersion = "2.0.0"
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	_, err := Decode(&buf)
	if !errors.Is(err, lumisync.ErrManifestCorrupt) {
		t.Fatalf("expected ErrManifestCorrupt for newer schema, got %v", err)
	}
}

func TestDecodeAcceptsOlderMinor(t *testing.T) {
	m := testManifest("older-minor", time.Now())
	m.SchemaVersion = "0.9.0"
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&buf); err != nil {
		t.Fatalf("expected older schema to decode, got %v", err)
	}
}

func TestDeleteRemovesArchiveAndManifest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	putBackup(t, s, "doomed", time.Now())

	if err := s.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	manifests, err := s.ListAvailable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 0 {
		t.Fatalf("backup still listed after delete: %+v", manifests)
	}
	if err := s.Delete(ctx, "doomed"); !errors.Is(err, lumisync.ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound on second delete, got %v", err)
	}
}
