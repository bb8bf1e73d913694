package cloud

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func testFolder(t *testing.T) (*LocalDirTransport, Folder) {
	t.Helper()
	transport, err := NewLocalDirTransport(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	folder, err := transport.EnsureFolder(context.Background(), "LumiSync")
	if err != nil {
		t.Fatal(err)
	}
	return transport, folder
}

func TestLocalDirUploadDownloadRoundTrip(t *testing.T) {
	transport, folder := testFolder(t)
	ctx := context.Background()

	payload := "archive bytes"
	var progress []int64
	_, err := transport.Upload(ctx, folder, "b.tar.gz", strings.NewReader(payload), int64(len(payload)), func(done, total int64) {
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(progress) == 0 || progress[len(progress)-1] != int64(len(payload)) {
		t.Fatalf("progress never reached total: %v", progress)
	}

	var buf bytes.Buffer
	if err := transport.Download(ctx, folder, "b.tar.gz", &buf, nil); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if buf.String() != payload {
		t.Fatalf("downloaded %q, want %q", buf.String(), payload)
	}
}

func TestLocalDirCancelledUploadLeavesNoObject(t *testing.T) {
	transport, folder := testFolder(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := transport.Upload(ctx, folder, "b.tar.gz", strings.NewReader("data"), 4, nil)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	objects, err := transport.List(context.Background(), folder)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 0 {
		t.Fatalf("cancelled upload left objects behind: %v", objects)
	}
}

func TestLocalDirDeleteRefusesOutsideFolder(t *testing.T) {
	transport, folder := testFolder(t)
	if err := transport.Delete(context.Background(), folder, "/etc/passwd"); err == nil {
		t.Fatal("expected delete outside the folder to fail")
	}
}

func TestLocalDirDownloadMissingObject(t *testing.T) {
	transport, folder := testFolder(t)
	var buf bytes.Buffer
	if err := transport.Download(context.Background(), folder, "nope.tar.gz", &buf, nil); err == nil {
		t.Fatal("expected download of missing object to fail")
	}
}
