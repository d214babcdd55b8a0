// Package storage opens data files from local paths or object storage
// (s3://, gs:// and az:// URIs).
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	"duckdp/internal/domain"
)

// Scheme values recognised by ParseLocation.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeGCS   = "gs"
	SchemeAzure = "az"
)

// Location is a parsed data file address. For object storage Bucket is the
// bucket or container and Key the object name; for local files Key is the path.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// ParseLocation parses a local path, a file:// URL, or an s3://, gs:// or
// az:// URI. abfss:// URIs of the form container@account.dfs.core.windows.net
// are accepted as az://.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, domain.ErrValidation("data location is required")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: SchemeFile, Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, domain.ErrValidation("parse data location %q: %v", raw, err)
	}
	key := strings.TrimPrefix(u.Path, "/")

	switch strings.ToLower(u.Scheme) {
	case "file":
		return Location{Scheme: SchemeFile, Key: u.Path}, nil
	case "s3", "s3a":
		return objectLocation(SchemeS3, u.Host, key, raw)
	case "gs", "gcs":
		return objectLocation(SchemeGCS, u.Host, key, raw)
	case "az", "azure":
		return objectLocation(SchemeAzure, u.Host, key, raw)
	case "abfss":
		container, _, _ := strings.Cut(u.Host, "@")
		if u.User != nil {
			container = u.User.Username()
		}
		return objectLocation(SchemeAzure, container, key, raw)
	default:
		return Location{}, domain.ErrValidation("unsupported data location scheme %q in %q", u.Scheme, raw)
	}
}

func objectLocation(scheme, bucket, key, raw string) (Location, error) {
	if bucket == "" {
		return Location{}, domain.ErrValidation("empty bucket in %q", raw)
	}
	if key == "" {
		return Location{}, domain.ErrValidation("empty key in %q", raw)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// Credentials holds object storage settings. Empty fields fall back to each
// SDK's default credential chain where one exists.
type Credentials struct {
	S3KeyID    string
	S3Secret   string
	S3Endpoint string // host[:port], path-style addressing when set
	S3Region   string

	AzureAccount string
	AzureKey     string

	GCSKeyFile string
}

// Opener opens data locations for reading.
type Opener struct {
	creds Credentials
}

// NewOpener creates an Opener with the given credentials.
func NewOpener(creds Credentials) *Opener {
	return &Opener{creds: creds}
}

// Open returns a reader over the data at raw. The caller closes it.
func (o *Opener) Open(ctx context.Context, raw string) (io.ReadCloser, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case SchemeFile:
		f, err := os.Open(loc.Key)
		if err != nil {
			return nil, fmt.Errorf("open data file: %w", err)
		}
		return f, nil
	case SchemeS3:
		return o.openS3(ctx, loc)
	case SchemeGCS:
		return o.openGCS(ctx, loc)
	case SchemeAzure:
		return o.openAzure(ctx, loc)
	default:
		return nil, domain.ErrValidation("unsupported data location %q", raw)
	}
}

// Fetch makes the data at raw available as a local file. Local paths are
// returned unchanged; remote objects are downloaded into dir. The cleanup
// func removes any downloaded copy.
func (o *Opener) Fetch(ctx context.Context, raw, dir string) (string, func(), error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return "", nil, err
	}
	if loc.Scheme == SchemeFile {
		return loc.Key, func() {}, nil
	}

	rc, err := o.Open(ctx, raw)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close() //nolint:errcheck

	f, err := os.CreateTemp(dir, "duckdp-*-"+filepath.Base(path.Clean("/"+loc.Key)))
	if err != nil {
		return "", nil, fmt.Errorf("create download file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("download %s: %w", loc, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write download file: %w", err)
	}
	return f.Name(), cleanup, nil
}

func (o *Opener) openS3(ctx context.Context, loc Location) (io.ReadCloser, error) {
	opts := s3.Options{
		Region: o.creds.S3Region,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if o.creds.S3KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(o.creds.S3KeyID, o.creds.S3Secret, "")
	}
	if o.creds.S3Endpoint != "" {
		endpoint := o.creds.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	out, err := s3.New(opts).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	return out.Body, nil
}

func (o *Opener) openGCS(ctx context.Context, loc Location) (io.ReadCloser, error) {
	var opts []option.ClientOption
	if o.creds.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, o.creds.GCSKeyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	r, err := client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return &closeBoth{ReadCloser: r, also: client}, nil
}

func (o *Opener) openAzure(ctx context.Context, loc Location) (io.ReadCloser, error) {
	if o.creds.AzureAccount == "" || o.creds.AzureKey == "" {
		return nil, domain.ErrValidation("az:// locations need AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
	}
	cred, err := azblob.NewSharedKeyCredential(o.creds.AzureAccount, o.creds.AzureKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", o.creds.AzureAccount)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	resp, err := client.DownloadStream(ctx, loc.Bucket, loc.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", loc, err)
	}
	return resp.Body, nil
}

// closeBoth closes the reader, then the client that produced it.
type closeBoth struct {
	io.ReadCloser
	also io.Closer
}

func (c *closeBoth) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.also.Close(); err == nil {
		err = cerr
	}
	return err
}
