package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sitesync/internal/core"
)

const (
	AuthModeSAS   = "sas"
	AuthModeLogin = "login"
)

// Auth carries the credentials of one configured location. Empty fields
// fall back to the provider's default credential chain where one exists.
type Auth struct {
	Mode string

	AzureAccountName      string
	AzureAccountKey       string
	AzureSASToken         string
	AzureConnectionString string
	AzureAccountURL       string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSRegion          string
	AWSEndpoint        string
	AWSProfile         string
}

// Location is a parsed storage URL.
type Location struct {
	Scheme  string // "s3", "az", "mem" or "file"
	Bucket  string // S3 bucket, Azure container or memory store name
	Account string // Azure storage account
	Key     string
}

// root identifies the backend a location lives in.
func (l Location) root() string {
	switch l.Scheme {
	case "az":
		return "az://" + l.Account + "/" + l.Bucket
	case "file":
		return "file://"
	}
	return l.Scheme + "://" + l.Bucket
}

// BlobURL renders an Azure location as the https URL used by az and
// azcopy. accountURL overrides the default endpoint.
func (l Location) BlobURL(accountURL string) (string, error) {
	if l.Scheme != "az" {
		return "", fmt.Errorf("%w: %s location is not an Azure blob", core.ErrConfig, l.Scheme)
	}
	u := azureContainerURL(l.Account, l.Bucket, accountURL)
	if l.Key != "" {
		u += "/" + l.Key
	}
	return u, nil
}

// ParseLocation splits raw into scheme, bucket and key. Anything without a
// recognised scheme is a local path; Windows drive paths are accepted on
// every host.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty path", core.ErrConfig)
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found || isWindowsDrivePath(raw) {
		return Location{Scheme: "file", Key: raw}, nil
	}

	switch scheme {
	case "s3", "mem":
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%w: missing bucket in %q", core.ErrConfig, raw)
		}
		return Location{Scheme: scheme, Bucket: bucket, Key: strings.Trim(key, "/")}, nil
	case "az":
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Location{}, fmt.Errorf("%w: want az://<account>/<container>/<path>, got %q", core.ErrConfig, raw)
		}
		loc := Location{Scheme: "az", Account: parts[0], Bucket: parts[1]}
		if len(parts) == 3 {
			loc.Key = strings.Trim(parts[2], "/")
		}
		return loc, nil
	case "file":
		return Location{Scheme: "file", Key: rest}, nil
	}
	return Location{}, fmt.Errorf("%w: unsupported storage scheme %q", core.ErrConfig, scheme)
}

// Resolver turns configured paths into handles and caches one backend per
// bucket or container. Create it once at startup and share it.
type Resolver struct {
	logger core.Logger

	mu       sync.Mutex
	backends map[string]Backend
}

// NewResolver creates a resolver with only the local filesystem registered.
func NewResolver(logger core.Logger) *Resolver {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Resolver{
		logger:   logger,
		backends: map[string]Backend{"file://": localFS},
	}
}

// Register installs b as the backend for root, e.g. "mem://site" or
// "s3://bucket".
func (r *Resolver) Register(root string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.TrimSuffix(root, "/")] = b
}

// Resolve returns a handle on raw, creating its backend with auth on first use.
func (r *Resolver) Resolve(ctx context.Context, raw string, auth Auth) (Path, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return Path{}, err
	}
	if loc.Scheme == "file" {
		return NewLocalPath(loc.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	root := loc.root()
	if b, ok := r.backends[root]; ok {
		return NewPath(b, loc.Key), nil
	}

	var b Backend
	switch loc.Scheme {
	case "s3":
		b, err = NewS3Backend(ctx, loc.Bucket, auth)
	case "az":
		b, err = NewAzureBackend(loc.Account, loc.Bucket, auth, r.logger)
	case "mem":
		b = NewMemoryBackend(loc.Bucket)
	}
	if err != nil {
		return Path{}, err
	}
	r.backends[root] = b
	r.logger.Debug("storage backend created", "root", root)
	return NewPath(b, loc.Key), nil
}
