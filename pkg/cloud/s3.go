package cloud

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3Config struct {
	Endpoint  string // empty for AWS proper, set for MinIO and friends
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Transport stores backups under a key prefix in an S3 bucket. Works
// against AWS and S3-compatible object stores like MinIO.
type S3Transport struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

func NewS3Transport(cfg S3Config) (*S3Transport, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, newError(KindOther, "session", err)
	}
	return &S3Transport{
		svc:      s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
	}, nil
}

func classifyS3(op string, err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied":
			return newError(KindAuthExpired, op, err)
		case "QuotaExceeded", "StorageFull":
			return newError(KindQuotaExceeded, op, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError",
			request.ErrCodeRequestError, request.ErrCodeResponseTimeout:
			return newError(KindTransient, op, err)
		}
	}
	return newError(KindOther, op, err)
}

// EnsureFolder maps a folder to a key prefix. Object stores have no
// directories, so this only records the prefix.
func (t *S3Transport) EnsureFolder(ctx context.Context, name string) (Folder, error) {
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}
	return Folder{ID: name + "/", Name: name}, nil
}

func (t *S3Transport) Upload(ctx context.Context, folder Folder, name string, r io.Reader, size int64, sink ProgressSink) (string, error) {
	key := folder.ID + name
	_, err := t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   newCountingReader(ctx, r, size, sink),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyS3("upload", err)
	}
	return key, nil
}

func (t *S3Transport) Download(ctx context.Context, folder Folder, name string, w io.Writer, sink ProgressSink) error {
	key := folder.ID + name
	out, err := t.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return newError(KindOther, "download", fmt.Errorf("no such object %q", name))
		}
		return classifyS3("download", err)
	}
	defer out.Body.Close()

	if _, err := copyChunks(ctx, w, out.Body, aws.Int64Value(out.ContentLength), sink); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindTransient, "download", err)
	}
	return nil
}

func (t *S3Transport) List(ctx context.Context, folder Folder) ([]Object, error) {
	objects := []Object{}
	err := t.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(folder.ID),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{
				Name:       path.Base(key),
				RemoteID:   key,
				Size:       aws.Int64Value(obj.Size),
				ModifiedAt: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, classifyS3("list", err)
	}
	return objects, nil
}

func (t *S3Transport) Delete(ctx context.Context, folder Folder, remoteID string) error {
	if !strings.HasPrefix(remoteID, folder.ID) {
		return newError(KindOther, "delete", fmt.Errorf("object %q not under prefix %q", remoteID, folder.ID))
	}
	_, err := t.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(remoteID),
	})
	return classifyS3("delete", err)
}
