package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"sitesync/internal/core"
)

// copyPollInterval is how often a pending server-side copy is polled.
const copyPollInterval = 500 * time.Millisecond

// AzureBackend stores blobs in one Azure Blob container.
type AzureBackend struct {
	client    *container.Client
	account   string
	container string
	logger    core.Logger

	// fixMu serializes Content-MD5 rewrites and their log lines.
	fixMu sync.Mutex
}

var (
	_ Backend      = (*AzureBackend)(nil)
	_ Copier       = (*AzureBackend)(nil)
	_ FileUploader = (*AzureBackend)(nil)
)

// NewAzureBackend creates a backend for account/containerName. A connection
// string wins over login, which wins over an account key, which wins over a
// SAS token.
func NewAzureBackend(account, containerName string, auth Auth, logger core.Logger) (*AzureBackend, error) {
	containerURL := azureContainerURL(account, containerName, auth.AzureAccountURL)

	var (
		client *container.Client
		err    error
	)
	switch {
	case auth.AzureConnectionString != "":
		client, err = container.NewClientFromConnectionString(auth.AzureConnectionString, containerName, nil)
	case auth.Mode == AuthModeLogin:
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("%w: Azure login: %w", core.ErrAuth, credErr)
		}
		client, err = container.NewClient(containerURL, cred, nil)
	case auth.AzureAccountKey != "":
		cred, credErr := container.NewSharedKeyCredential(account, auth.AzureAccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("%w: Azure account key: %w", core.ErrConfig, credErr)
		}
		client, err = container.NewClientWithSharedKeyCredential(containerURL, cred, nil)
	case auth.AzureSASToken != "":
		client, err = container.NewClientWithNoCredential(containerURL+"?"+strings.TrimPrefix(auth.AzureSASToken, "?"), nil)
	default:
		return nil, fmt.Errorf("%w: no Azure credentials for az://%s/%s", core.ErrConfig, account, containerName)
	}
	if err != nil {
		return nil, fmt.Errorf("creating Azure client for %s: %w", containerURL, err)
	}

	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &AzureBackend{client: client, account: account, container: containerName, logger: logger}, nil
}

func azureContainerURL(account, containerName, accountURL string) string {
	base := strings.TrimSuffix(accountURL, "/")
	if base == "" {
		base = "https://" + account + ".blob.core.windows.net"
	}
	return base + "/" + containerName
}

func (b *AzureBackend) URL(key string) string {
	return "az://" + b.account + "/" + b.container + "/" + key
}

func (b *AzureBackend) Stat(ctx context.Context, key string) (FileInfo, error) {
	props, err := b.client.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		err = classifyAzureError("stat "+b.URL(key), err)
		if IsNotExist(err) {
			return FileInfo{Key: key}, nil
		}
		return FileInfo{}, err
	}
	fi := FileInfo{Key: key, Exists: true}
	if props.ContentLength != nil {
		fi.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		fi.ModTime = *props.LastModified
	}
	fi.CTime = fi.ModTime
	if props.CreationTime != nil {
		fi.CTime = *props.CreationTime
	}
	return fi, nil
}

// Hash prefers the stored Content-MD5. A missing header is computed by
// streaming the blob and written back; a legacy base64-text header is
// rewritten as the raw digest.
func (b *AzureBackend) Hash(ctx context.Context, key string, known string) (string, error) {
	bc := b.client.NewBlobClient(key)
	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return "", classifyAzureError("hashing "+b.URL(key), err)
	}

	fix := reconcileContentMD5(props.ContentMD5, known)
	if fix.Hash != "" && fix.Rewrite == nil {
		return fix.Hash, nil
	}
	if fix.Hash == "" {
		resp, err := bc.DownloadStream(ctx, nil)
		if err != nil {
			return "", classifyAzureError("downloading "+b.URL(key), err)
		}
		sum, err := hashReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", classifyNetError("hashing "+b.URL(key), err)
		}
		fix = md5Fix{Hash: sum, Rewrite: rawMD5(sum)}
	}

	b.fixMu.Lock()
	defer b.fixMu.Unlock()
	b.logger.Info("writing Content-MD5", "blob", b.URL(key), "md5", fix.Hash)
	headers := blob.HTTPHeaders{
		BlobContentMD5:         fix.Rewrite,
		BlobContentType:        props.ContentType,
		BlobContentEncoding:    props.ContentEncoding,
		BlobContentLanguage:    props.ContentLanguage,
		BlobContentDisposition: props.ContentDisposition,
		BlobCacheControl:       props.CacheControl,
	}
	if _, err := bc.SetHTTPHeaders(ctx, headers, nil); err != nil {
		return "", classifyAzureError("setting Content-MD5 on "+b.URL(key), err)
	}
	return fix.Hash, nil
}

func (b *AzureBackend) Walk(ctx context.Context, prefix string, pageSize int, fn func([]FileInfo) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	dir := strings.TrimSuffix(prefix, "/")
	if dir != "" {
		dir += "/"
	}

	opts := &container.ListBlobsFlatOptions{MaxResults: to.Ptr(int32(min(pageSize, 5000)))}
	if dir != "" {
		opts.Prefix = to.Ptr(dir)
	}
	pager := b.client.NewListBlobsFlatPager(opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return classifyAzureError("listing "+b.URL(dir), err)
		}
		if resp.Segment == nil {
			continue
		}
		infos := make([]FileInfo, 0, len(resp.Segment.BlobItems))
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			rel := strings.TrimPrefix(*item.Name, dir)
			if rel == "" {
				continue
			}
			fi := FileInfo{Key: rel, Exists: true}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					fi.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					fi.ModTime = *p.LastModified
				}
				fi.CTime = fi.ModTime
				if p.CreationTime != nil {
					fi.CTime = *p.CreationTime
				}
			}
			infos = append(infos, fi)
		}
		if err := fn(infos); err != nil {
			return err
		}
	}
	return nil
}

func (b *AzureBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.client.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, classifyAzureError("opening "+b.URL(key), err)
	}
	return resp.Body, nil
}

// Put uploads r in 4 MiB blocks with opts.Threads blocks in flight.
func (b *AzureBackend) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	_, err := b.client.NewBlockBlobClient(key).UploadStream(ctx, r, &blockblob.UploadStreamOptions{
		BlockSize:   BlockSize,
		Concurrency: max(opts.Threads, 1),
		HTTPHeaders: md5Headers(opts.MD5),
	})
	if err != nil {
		return classifyAzureError("uploading "+b.URL(key), err)
	}
	return nil
}

func (b *AzureBackend) PutFile(ctx context.Context, key string, localPath string, opts PutOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("opening %s: %w", localPath, ErrNotExist)
		}
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = b.client.NewBlockBlobClient(key).UploadFile(ctx, f, &blockblob.UploadFileOptions{
		BlockSize:   BlockSize,
		Concurrency: uint16(max(opts.Threads, 1)),
		HTTPHeaders: md5Headers(opts.MD5),
	})
	if err != nil {
		return classifyAzureError("uploading "+b.URL(key), err)
	}
	return nil
}

// CopyWithin starts a server-side copy and polls until it leaves the
// pending state.
func (b *AzureBackend) CopyWithin(ctx context.Context, srcKey, dstKey string) error {
	dst := b.client.NewBlobClient(dstKey)
	resp, err := dst.StartCopyFromURL(ctx, b.client.NewBlobClient(srcKey).URL(), nil)
	if err != nil {
		return classifyAzureError("copying "+b.URL(srcKey), err)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return classifyAzureError("polling copy to "+b.URL(dstKey), err)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copying %s to %s: copy status %s", b.URL(srcKey), b.URL(dstKey), *status)
	}
	return nil
}

func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.client.NewBlobClient(key).Delete(ctx, nil); err != nil {
		err = classifyAzureError("deleting "+b.URL(key), err)
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// MkdirParents is a no-op: blob names are flat.
func (b *AzureBackend) MkdirParents(context.Context, string) error { return nil }

func md5Headers(hexHash string) *blob.HTTPHeaders {
	raw := rawMD5(hexHash)
	if raw == nil {
		return nil
	}
	return &blob.HTTPHeaders{BlobContentMD5: raw}
}

func classifyAzureError(op string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return classifyStatus(op, 404, err)
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return classifyStatus(op, re.StatusCode, err)
	}
	return classifyNetError(op, err)
}
