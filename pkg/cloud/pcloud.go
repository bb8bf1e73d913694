package cloud

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// pCloud JSON API error codes that matter for classification.
// Per https://docs.pcloud.com/: result 0 is success, 1000-range codes
// are auth, 2008 is storage quota.
const (
	pcloudResultOK          = 0
	pcloudResultLoginFailed = 1000
	pcloudResultAuthExpired = 2000
	pcloudResultQuota       = 2008
)

type PCloudConfig struct {
	Endpoint string // https://api.pcloud.com or the EU endpoint
	// AuthToken is an already-acquired access token. The OAuth flow
	// that produces it lives with the GUI collaborator.
	AuthToken string
}

// PCloudTransport talks to the pCloud HTTP API.
type PCloudTransport struct {
	client *resty.Client
	token  string
}

func NewPCloudTransport(cfg PCloudConfig) *PCloudTransport {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(5 * time.Minute).
		SetRetryCount(0) // retries are handled by WithRetry at the call site
	return &PCloudTransport{client: client, token: cfg.AuthToken}
}

// pcloudFile is one file or folder entry as the API describes it.
type pcloudFile struct {
	Name     string   `json:"name"`
	FileID   uint64   `json:"fileid"`
	FolderID uint64   `json:"folderid"`
	Size     int64    `json:"size"`
	IsFolder bool     `json:"isfolder"`
	Modified pcloudTS `json:"modified"`
}

// pcloudResult is the response envelope for the folder and link calls.
// /listfolder nests the folder's entries under metadata.contents.
// /uploadfile is the odd one out: it returns metadata as an ARRAY, one
// element per uploaded file, so Upload decodes pcloudUploadResult
// instead.
type pcloudResult struct {
	Result   int    `json:"result"`
	Error    string `json:"error"`
	Metadata struct {
		FolderID uint64       `json:"folderid"`
		FileID   uint64       `json:"fileid"`
		Contents []pcloudFile `json:"contents"`
	} `json:"metadata"`
	Hosts []string `json:"hosts"`
	Path  string   `json:"path"`
}

type pcloudUploadResult struct {
	Result   int          `json:"result"`
	Error    string       `json:"error"`
	Metadata []pcloudFile `json:"metadata"`
}

type pcloudTS struct{ time.Time }

func (t *pcloudTS) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.Parse(time.RFC1123Z, s[1:len(s)-1])
		if err != nil {
			return nil // leave zero, listing still works
		}
		t.Time = parsed
	}
	return nil
}

func (t *PCloudTransport) call(ctx context.Context, op, path string, params map[string]string, out *pcloudResult) error {
	req := t.client.R().
		SetContext(ctx).
		SetQueryParam("auth", t.token).
		SetResult(out)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindTransient, op, err)
	}
	if resp.StatusCode() >= 500 {
		return newError(KindTransient, op, fmt.Errorf("server returned %s", resp.Status()))
	}
	return classifyPCloud(op, out.Result, out.Error)
}

func classifyPCloud(op string, result int, msg string) error {
	switch result {
	case pcloudResultOK:
		return nil
	case pcloudResultLoginFailed, pcloudResultAuthExpired:
		return newError(KindAuthExpired, op, fmt.Errorf("pcloud: %s", msg))
	case pcloudResultQuota:
		return newError(KindQuotaExceeded, op, fmt.Errorf("pcloud: %s", msg))
	default:
		return newError(KindOther, op, fmt.Errorf("pcloud result %d: %s", result, msg))
	}
}

func (t *PCloudTransport) EnsureFolder(ctx context.Context, name string) (Folder, error) {
	var res pcloudResult
	err := t.call(ctx, "ensure-folder", "/createfolderifnotexists", map[string]string{
		"path": "/" + name,
	}, &res)
	if err != nil {
		return Folder{}, err
	}
	return Folder{ID: strconv.FormatUint(res.Metadata.FolderID, 10), Name: name}, nil
}

func (t *PCloudTransport) Upload(ctx context.Context, folder Folder, name string, r io.Reader, size int64, sink ProgressSink) (string, error) {
	// resty streams the multipart body; progress is reported through a
	// counting reader wrapped around the source
	var res pcloudUploadResult
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("auth", t.token).
		SetQueryParam("folderid", folder.ID).
		SetQueryParam("nopartial", "1").
		SetFileReader("file", name, newCountingReader(ctx, r, size, sink)).
		SetResult(&res).
		Post("/uploadfile")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newError(KindTransient, "upload", err)
	}
	if resp.StatusCode() >= 500 {
		return "", newError(KindTransient, "upload", fmt.Errorf("server returned %s", resp.Status()))
	}
	if err := classifyPCloud("upload", res.Result, res.Error); err != nil {
		return "", err
	}
	if len(res.Metadata) == 0 {
		return "", newError(KindOther, "upload", fmt.Errorf("no file metadata in upload response for %q", name))
	}
	return strconv.FormatUint(res.Metadata[0].FileID, 10), nil
}

func (t *PCloudTransport) Download(ctx context.Context, folder Folder, name string, w io.Writer, sink ProgressSink) error {
	obj, err := t.find(ctx, folder, name)
	if err != nil {
		return err
	}

	var link pcloudResult
	if err := t.call(ctx, "download", "/getfilelink", map[string]string{
		"fileid": obj.RemoteID,
	}, &link); err != nil {
		return err
	}
	if len(link.Hosts) == 0 {
		return newError(KindOther, "download", fmt.Errorf("no download host for %q", name))
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("https://" + link.Hosts[0] + link.Path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindTransient, "download", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return newError(KindTransient, "download", fmt.Errorf("server returned %s", resp.Status()))
	}
	if _, err := copyChunks(ctx, w, body, obj.Size, sink); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindTransient, "download", err)
	}
	return nil
}

func (t *PCloudTransport) List(ctx context.Context, folder Folder) ([]Object, error) {
	var res pcloudResult
	if err := t.call(ctx, "list", "/listfolder", map[string]string{
		"folderid": folder.ID,
	}, &res); err != nil {
		return nil, err
	}
	objects := []Object{}
	for _, item := range res.Metadata.Contents {
		if item.IsFolder {
			continue
		}
		objects = append(objects, Object{
			Name:       item.Name,
			RemoteID:   strconv.FormatUint(item.FileID, 10),
			Size:       item.Size,
			ModifiedAt: item.Modified.Time,
		})
	}
	return objects, nil
}

func (t *PCloudTransport) Delete(ctx context.Context, folder Folder, remoteID string) error {
	var res pcloudResult
	return t.call(ctx, "delete", "/deletefile", map[string]string{
		"fileid": remoteID,
	}, &res)
}

func (t *PCloudTransport) find(ctx context.Context, folder Folder, name string) (Object, error) {
	objects, err := t.List(ctx, folder)
	if err != nil {
		return Object{}, err
	}
	for _, o := range objects {
		if o.Name == name {
			return o, nil
		}
	}
	return Object{}, newError(KindOther, "download", fmt.Errorf("no such object %q", name))
}

// countingReader reports read progress to a ProgressSink and aborts
// when the context is cancelled, giving uploads chunk-granular
// cancellation even when the HTTP client owns the copy loop.
type countingReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	read  int64
	sink  ProgressSink
}

func newCountingReader(ctx context.Context, r io.Reader, total int64, sink ProgressSink) *countingReader {
	return &countingReader{ctx: ctx, r: r, total: total, sink: sink}
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.sink != nil && n > 0 {
		c.sink(c.read, c.total)
	}
	return n, err
}
