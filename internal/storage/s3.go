package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// maxCopyObjectSize is the largest object CopyObject accepts.
const maxCopyObjectSize = 5 << 30

// S3Backend stores objects in one S3 (or S3-compatible) bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
}

var (
	_ Backend      = (*S3Backend)(nil)
	_ Copier       = (*S3Backend)(nil)
	_ FileUploader = (*S3Backend)(nil)
)

// NewS3Backend creates a backend for bucket. Static keys in auth take
// precedence over the default credential chain; AWSEndpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3Backend(ctx context.Context, bucket string, auth Auth) (*S3Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if auth.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(auth.AWSRegion))
	}
	if auth.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(auth.AWSProfile))
	}
	if auth.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(auth.AWSAccessKeyID, auth.AWSSecretAccessKey, auth.AWSSessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if auth.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(auth.AWSEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client, bucket: bucket}, nil
}

func (b *S3Backend) URL(key string) string { return "s3://" + b.bucket + "/" + key }

func (b *S3Backend) Stat(ctx context.Context, key string) (FileInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error("stat "+b.URL(key), err)
		if IsNotExist(err) {
			return FileInfo{Key: key}, nil
		}
		return FileInfo{}, err
	}
	mod := aws.ToTime(out.LastModified)
	return FileInfo{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: mod,
		CTime:   mod,
		Exists:  true,
	}, nil
}

// Hash uses the ETag when it is a single-part MD5 and streams the object
// otherwise.
func (b *S3Backend) Hash(ctx context.Context, key string, _ string) (string, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classifyS3Error("hashing "+b.URL(key), err)
	}
	if sum, ok := md5FromETag(aws.ToString(out.ETag)); ok {
		return sum, nil
	}

	r, err := b.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return hashReader(r)
}

func (b *S3Backend) Walk(ctx context.Context, prefix string, pageSize int, fn func([]FileInfo) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	dir := strings.TrimSuffix(prefix, "/")
	if dir != "" {
		dir += "/"
	}

	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dir),
		MaxKeys: aws.Int32(int32(min(pageSize, 1000))),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return classifyS3Error("listing "+b.URL(dir), err)
		}
		infos := make([]FileInfo, 0, len(page.Contents))
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), dir)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			mod := aws.ToTime(obj.LastModified)
			infos = append(infos, FileInfo{
				Key:     rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: mod,
				CTime:   mod,
				Exists:  true,
			})
		}
		if err := fn(infos); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error("opening "+b.URL(key), err)
	}
	return out.Body, nil
}

// Put uploads r with the multipart manager; threads sets the number of
// parts in flight.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.Concurrency = max(opts.Threads, 1)
		u.PartSize = manager.DefaultUploadPartSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return classifyS3Error("uploading "+b.URL(key), err)
	}
	return nil
}

func (b *S3Backend) PutFile(ctx context.Context, key string, localPath string, opts PutOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("opening %s: %w", localPath, ErrNotExist)
		}
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	return b.Put(ctx, key, f, info.Size(), opts)
}

// CopyWithin copies server-side; objects above the CopyObject limit are
// streamed instead.
func (b *S3Backend) CopyWithin(ctx context.Context, srcKey, dstKey string) error {
	info, err := b.Stat(ctx, srcKey)
	if err != nil {
		return err
	}
	if !info.Exists {
		return fmt.Errorf("copying %s: %w", b.URL(srcKey), ErrNotExist)
	}
	if info.Size > maxCopyObjectSize {
		r, err := b.Open(ctx, srcKey)
		if err != nil {
			return err
		}
		defer r.Close()
		return b.Put(ctx, dstKey, r, info.Size, PutOptions{Threads: 4})
	}

	_, err = b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + escapeKey(srcKey)),
	})
	if err != nil {
		return classifyS3Error("copying "+b.URL(srcKey), err)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error("deleting "+b.URL(key), err)
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// MkdirParents is a no-op: S3 has no directories.
func (b *S3Backend) MkdirParents(context.Context, string) error { return nil }

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// httpStatusError is satisfied by smithy's HTTP response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

func classifyS3Error(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return classifyStatus(op, 404, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return classifyStatus(op, 403, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return classifyStatus(op, 503, err)
		}
	}
	var se httpStatusError
	if errors.As(err, &se) && se.HTTPStatusCode() != 0 {
		return classifyStatus(op, se.HTTPStatusCode(), err)
	}
	return classifyNetError(op, err)
}
