// Package storage keeps binary logs in S3 or S3-compatible object storage, so
// replay can read archived logs and archive the ones it has verified.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sirupsen/logrus"
)

const (
	// ProviderS3 addresses AWS S3; the region comes from the endpoint.
	ProviderS3 = "s3"

	// ProviderS3Compatible addresses a path-style store such as MinIO.
	ProviderS3Compatible = "s3c"

	// DummyRegion signs requests to stores that ignore the region.
	DummyRegion = "binlog-archive"
)

// Location names an object, or with a trailing "/" a prefix, in a bucket.
type Location struct {
	Provider string
	Bucket   string
	Key      string
}

// IsRemote reports whether uri names an object rather than a local file.
func IsRemote(uri string) bool {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case ProviderS3, ProviderS3Compatible:
		return true
	}
	return false
}

// ParseLocation parses s3://bucket/key or s3c://bucket/key.
func ParseLocation(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid object location %q: %w", uri, err)
	}
	loc := Location{Provider: strings.ToLower(u.Scheme), Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if loc.Provider != ProviderS3 && loc.Provider != ProviderS3Compatible {
		return Location{}, fmt.Errorf("unsupported provider %q, please use s3 or s3c", u.Scheme)
	}
	if loc.Bucket == "" {
		return Location{}, fmt.Errorf("object location %q has no bucket", uri)
	}
	return loc, nil
}

// IsPrefix reports whether the location names a prefix rather than an object.
func (l Location) IsPrefix() bool {
	return l.Key == "" || strings.HasSuffix(l.Key, "/")
}

// Object returns the location of name under a prefix location.
func (l Location) Object(name string) Location {
	if !l.IsPrefix() {
		return l
	}
	l.Key += name
	return l
}

func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s", l.Provider, l.Bucket, l.Key)
}

// Archive is a connection profile for one provider.
type Archive struct {
	Provider        string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewArchive returns the archive profile serving loc. AWS S3 derives its
// region from endpoint; S3-compatible stores use DummyRegion.
func NewArchive(loc Location, endpoint, accessKeyID, secretAccessKey string) (*Archive, error) {
	region := DummyRegion
	if loc.Provider == ProviderS3 {
		if region = regionOf(endpoint); region == "" {
			return nil, fmt.Errorf("missing region in endpoint: %s", endpoint)
		}
	}
	return &Archive{
		Provider:        loc.Provider,
		Endpoint:        endpoint,
		Region:          region,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}, nil
}

// Upload stores localFile at dst, appending the file name when dst is a
// prefix, and returns the object's location.
func (a *Archive) Upload(ctx context.Context, localFile string, dst Location) (Location, error) {
	start := time.Now()
	dst = dst.Object(filepath.Base(localFile))
	b, err := a.bucket(ctx)
	if err != nil {
		return Location{}, err
	}
	size, err := b.UploadFile(ctx, dst.Bucket, dst.Key, localFile)
	if err != nil {
		return Location{}, err
	}
	logrus.WithFields(logrus.Fields{
		"file":    localFile,
		"bytes":   size,
		"elapsed": time.Since(start),
	}).Infof("Archived to %s", dst)
	return dst, nil
}

// Download fetches src into dir under the object's base name and returns
// the local path.
func (a *Archive) Download(ctx context.Context, src Location, dir string) (string, error) {
	start := time.Now()
	if src.IsPrefix() {
		return "", fmt.Errorf("%s does not name an object", src)
	}
	b, err := a.bucket(ctx)
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, path.Base(src.Key))
	size, err := b.DownloadFile(ctx, src.Bucket, src.Key, local)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"file":    local,
		"bytes":   size,
		"elapsed": time.Since(start),
	}).Infof("Fetched %s", src)
	return local, nil
}

func (a *Archive) bucket(ctx context.Context) (*Bucket, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, "")),
		awsconfig.WithRegion(a.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build config for %s: %w", a.Provider, err)
	}
	if a.Provider == ProviderS3Compatible {
		return NewBucket(cfg, a.endpointURL()), nil
	}
	return NewBucket(cfg, ""), nil
}

func (a *Archive) endpointURL() string {
	if strings.HasPrefix(a.Endpoint, "http://") || strings.HasPrefix(a.Endpoint, "https://") {
		return a.Endpoint
	}
	return "http://" + a.Endpoint
}

// regionOf extracts the region of an endpoint such as
// s3.us-west-2.amazonaws.com or s3.cn-north-1.amazonaws.com.cn.
func regionOf(endpoint string) string {
	host := strings.ToLower(strings.TrimSuffix(endpoint, ".cn"))
	host, ok := strings.CutSuffix(host, ".amazonaws.com")
	if !ok {
		return ""
	}
	labels := strings.Split(host, ".")
	region := labels[len(labels)-1]
	if region == "s3" || len(labels) < 2 {
		return ""
	}
	return region
}
