// Package download fetches morphology attachments into per-cell
// directories from the graph file API, S3 or the local filesystem.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
)

// ErrUnsupportedEncoding is returned when a cell has no SWC attachment.
var ErrUnsupportedEncoding = errors.New("no supported morphology encoding")

// SWCFormat is the encoding format of SWC attachments.
const SWCFormat = "application/swc"

// LoadError reports a cell whose file could not be fetched.
type LoadError struct {
	Cell   string
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("load %s: %v", e.Cell, e.Err)
	}
	return fmt.Sprintf("load %s from %s: %v", e.Cell, e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err carries a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// GraphFiles downloads files stored in the graph.
type GraphFiles interface {
	Download(ctx context.Context, contentURL string, w io.Writer) error
}

// ObjectGetter reads S3 objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config selects an S3-compatible backend.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client builds an S3 client from the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Downloader places each cell's file under its own subdirectory of root.
type Downloader struct {
	root   string
	graph  GraphFiles
	s3     ObjectGetter
	logger *slog.Logger
}

// New creates the download root. graph and objects may be nil when the
// corresponding sources are not used.
func New(root string, graph GraphFiles, objects ObjectGetter, logger *slog.Logger) (*Downloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Downloader{root: root, graph: graph, s3: objects, logger: logger}, nil
}

// Root returns the download root.
func (d *Downloader) Root() string { return d.root }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CellDir returns the directory of a cell: its readable base name followed
// by a digest of the full identifier, so identifiers sharing a base name get
// distinct directories.
func (d *Downloader) CellDir(cell string) string {
	name := unsafeChars.ReplaceAllString(path.Base(cell), "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	sum := sha256.Sum256([]byte(cell))
	return filepath.Join(d.root, name+"-"+hex.EncodeToString(sum[:4]))
}

// Select returns the SWC attachment among dists.
func Select(dists []nexus.Distribution) (nexus.Distribution, error) {
	for _, dist := range dists {
		if strings.EqualFold(dist.EncodingFormat, SWCFormat) {
			return dist, nil
		}
	}
	for _, dist := range dists {
		if strings.EqualFold(filepath.Ext(dist.Name), ".swc") || strings.EqualFold(path.Ext(dist.ContentURL), ".swc") {
			return dist, nil
		}
	}
	return nexus.Distribution{}, ErrUnsupportedEncoding
}

// Fetch downloads the SWC attachment of cell and returns its local path.
func (d *Downloader) Fetch(ctx context.Context, cell string, dists []nexus.Distribution) (string, error) {
	dist, err := Select(dists)
	if err != nil {
		return "", &LoadError{Cell: cell, Err: err}
	}
	name := dist.Name
	if name == "" {
		name = path.Base(dist.ContentURL)
	}
	dest := filepath.Join(d.CellDir(cell), unsafeChars.ReplaceAllString(filepath.Base(name), "_"))
	if err := d.fetchTo(ctx, dist.ContentURL, dest); err != nil {
		return "", &LoadError{Cell: cell, Source: dist.ContentURL, Err: err}
	}
	d.logger.Debug("Downloaded morphology", "cell", cell, "source", dist.ContentURL, "path", dest)
	return dest, nil
}

// fetchTo writes the source into a temporary file and renames it into place
// so that dest is either complete or absent.
func (d *Downloader) fetchTo(ctx context.Context, source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create cell dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := d.copy(ctx, source, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

func (d *Downloader) copy(ctx context.Context, source string, w io.Writer) error {
	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if d.s3 == nil {
			return errors.New("s3 source without an s3 client")
		}
		out, err := d.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		})
		if err != nil {
			return fmt.Errorf("get object: %w", err)
		}
		defer out.Body.Close()
		if _, err := io.Copy(w, out.Body); err != nil {
			return fmt.Errorf("read object: %w", err)
		}
		return nil
	case "http", "https":
		if d.graph == nil {
			return errors.New("graph source without a graph client")
		}
		return d.graph.Download(ctx, source, w)
	case "file", "":
		p := source
		if u.Scheme == "file" {
			p = u.Path
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open local file: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("copy local file: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported source scheme %q", u.Scheme)
}

// Cleanup removes every downloaded file.
func (d *Downloader) Cleanup() error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("remove download dir: %w", err)
	}
	return nil
}
