// Package gcs downloads DICOM instances listed in a manifest of gs:// URIs.
package gcs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrInvalidURI is returned for manifest entries that are not gs:// URIs
var ErrInvalidURI = errors.New("invalid gs:// URI")

// URI addresses an object, or a prefix when Object ends with "/"
type URI struct {
	Bucket string
	Object string
}

func (u URI) String() string {
	return "gs://" + u.Bucket + "/" + u.Object
}

// IsPrefix reports whether the URI denotes every object below a prefix
func (u URI) IsPrefix() bool {
	return u.Object == "" || strings.HasSuffix(u.Object, "/")
}

// ParseURI parses gs://bucket/object. A trailing "*" is read as a prefix.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "gs://")
	if !ok {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}
	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return URI{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidURI, s)
	}
	object = strings.TrimSuffix(object, "*")
	for _, part := range strings.Split(object, "/") {
		if part == ".." {
			return URI{}, fmt.Errorf("%w: %q escapes its bucket", ErrInvalidURI, s)
		}
	}
	return URI{Bucket: bucket, Object: object}, nil
}

// Store is the subset of object storage the pull stage needs
type Store interface {
	Download(ctx context.Context, uri URI, w io.Writer) error
	List(ctx context.Context, prefix URI) ([]URI, error)
	Exists(ctx context.Context, uri URI) (bool, error)
}

// GCS implements Store on Google Cloud Storage
type GCS struct {
	client *storage.Client
}

// NewGCS opens a storage client. Anonymous access is enough for public
// buckets.
func NewGCS(ctx context.Context, anonymous bool) (*GCS, error) {
	var opts []option.ClientOption
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client}, nil
}

// Close releases the client
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Download(ctx context.Context, uri URI, w io.Writer) error {
	r, err := g.client.Bucket(uri.Bucket).Object(uri.Object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix URI) ([]URI, error) {
	it := g.client.Bucket(prefix.Bucket).Objects(ctx, &storage.Query{Prefix: prefix.Object})
	var uris []URI
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		uris = append(uris, URI{Bucket: prefix.Bucket, Object: attrs.Name})
	}
	return uris, nil
}

func (g *GCS) Exists(ctx context.Context, uri URI) (bool, error) {
	_, err := g.client.Bucket(uri.Bucket).Object(uri.Object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

// ReadManifest returns the URIs of a manifest file, one per line. Blank
// lines and lines starting with # are ignored.
func ReadManifest(r io.Reader) ([]URI, error) {
	var uris []URI
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		uri, err := ParseURI(text)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		uris = append(uris, uri)
	}
	return uris, scanner.Err()
}

// LocalPath is where an object is stored below dst
func LocalPath(dst string, uri URI) string {
	return filepath.Join(dst, uri.Bucket, filepath.FromSlash(path.Clean("/" + uri.Object)))
}

// DownloadResult counts the outcome of a manifest download
type DownloadResult struct {
	Downloaded int
	Existing   int
	Failed     map[string]error
}

// DownloadManifest fetches every object named by the manifest into dst
// using up to workers concurrent transfers. Files already present are
// skipped. Failed objects are reported in the result; the returned error is
// reserved for problems that stop the whole download.
func DownloadManifest(ctx context.Context, store Store, manifest, dst string, workers int) (*DownloadResult, error) {
	f, err := os.Open(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	entries, err := ReadManifest(f)
	if err != nil {
		return nil, err
	}

	var objects []URI
	for _, e := range entries {
		if !e.IsPrefix() {
			objects = append(objects, e)
			continue
		}
		listed, err := store.List(ctx, e)
		if err != nil {
			return nil, err
		}
		objects = append(objects, listed...)
	}

	if workers < 1 {
		workers = 1
	}
	res := &DownloadResult{Failed: make(map[string]error)}
	var mu sync.Mutex
	done := 0

	var g errgroup.Group
	g.SetLimit(workers)
	for _, obj := range objects {
		obj := obj
		g.Go(func() error {
			existed, err := fetch(ctx, store, obj, LocalPath(dst, obj))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Printf("Warning: %v", err)
				res.Failed[obj.String()] = err
			case existed:
				res.Existing++
			default:
				res.Downloaded++
			}
			done++
			fmt.Printf("\rDownloading: %.1f%% complete", float64(done)/float64(len(objects))*100)
			return nil
		})
	}
	g.Wait()
	if len(objects) > 0 {
		fmt.Println()
	}

	return res, ctx.Err()
}

// fetch downloads one object through a temporary file
func fetch(ctx context.Context, store Store, uri URI, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return true, nil
	}
	ok, err := store.Exists(ctx, uri)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%s: object not found", uri)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if err := store.Download(ctx, uri, tmp); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	return false, os.Rename(tmp.Name(), dst)
}
