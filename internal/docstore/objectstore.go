package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore keeps documents as objects in an S3 compatible bucket. The
// object ETag is the concurrency token and writes are conditional puts.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func OpenObjectStore(ctx context.Context, opts ObjectOptions) (*ObjectStore, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("object store endpoint and bucket are required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	store := &ObjectStore{client: client, bucket: opts.Bucket}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, classifyObject("check bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, classifyObject("create bucket", err)
		}
	}
	return store, nil
}

func (o *ObjectStore) Read(ctx context.Context, p string) (Document, error) {
	clean, err := filePath(p)
	if err != nil {
		return Document{}, err
	}
	obj, err := o.client.GetObject(ctx, o.bucket, clean, minio.GetObjectOptions{})
	if err != nil {
		return Document{}, classifyObject("get "+clean, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return Document{}, classifyObject("stat "+clean, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return Document{}, classifyObject("read "+clean, err)
	}
	return Document{Path: clean, Data: data, Token: Token(info.ETag)}, nil
}

func (o *ObjectStore) Write(ctx context.Context, p string, data []byte, token Token, message string) (Token, error) {
	clean, err := filePath(p)
	if err != nil {
		return "", err
	}
	opts := minio.PutObjectOptions{
		ContentType:  contentTypeFor(clean),
		UserMetadata: map[string]string{"Commit-Message": message},
	}
	if token == "" {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(string(token))
	}
	info, err := o.client.PutObject(ctx, o.bucket, clean, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", classifyObject("put "+clean, err)
	}
	return Token(info.ETag), nil
}

func (o *ObjectStore) List(ctx context.Context, p string) ([]Entry, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if clean != "" {
		prefix = clean + "/"
	}
	entries := []Entry{}
	for info := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return nil, classifyObject("list "+prefix, info.Err)
		}
		name := strings.TrimPrefix(info.Key, prefix)
		if strings.HasSuffix(name, "/") {
			name = strings.TrimSuffix(name, "/")
			entries = append(entries, Entry{Name: name, Path: prefix + name, IsDir: true})
			continue
		}
		entries = append(entries, Entry{Name: name, Path: info.Key, Size: info.Size})
	}
	return entries, nil
}

func (o *ObjectStore) Ping(ctx context.Context) error {
	if _, err := o.client.BucketExists(ctx, o.bucket); err != nil {
		return classifyObject("ping", err)
	}
	return nil
}

// classifyObject maps S3 error responses onto the package sentinels.
func classifyObject(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case "PreconditionFailed", "ConditionalRequestConflict":
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	case "SlowDown", "TooManyRequests":
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		if resp.Code == "" || resp.Code == "NoSuchKey" {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
