// Package fetch streams remote URLs to local storage with throttled progress
// reporting and fetch-time sanity checks for media links.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tgrelay/internal/mediakind"
	"tgrelay/internal/model"
	"tgrelay/internal/progress"
	"tgrelay/internal/util"
)

var (
	// ErrInvalidInput indicates the URL lacks a scheme or host.
	ErrInvalidInput = errors.New("invalid url: scheme and host are required")
	// ErrNotDirectLink indicates the response is an HTML/text page although a
	// media file was expected.
	ErrNotDirectLink = errors.New("url does not point at a media file")
	// ErrSuspiciouslySmall indicates a video-extension download below the
	// plausibility threshold.
	ErrSuspiciouslySmall = errors.New("file too small to be a video")
)

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned HTTP %d", e.Code)
}

const (
	connectTimeout   = 30 * time.Second
	chunkSize        = 1 << 20 // 1MB copy chunks
	progressInterval = 2 * time.Second
	defaultFilename  = "downloaded_file"

	// minVideoBytes is a heuristic: anything smaller claiming a video
	// extension is almost always an error page. Tunable; legitimately tiny
	// clips will be misclassified.
	minVideoBytes = 200 << 10
)

// Fetcher downloads remote resources into per-request workdirs under dir.
type Fetcher struct {
	client *http.Client
	dir    string
}

// New returns a Fetcher with a bounded connect timeout and no total-transfer
// timeout; large files are expected to take as long as they take.
func New(dir string) *Fetcher {
	return NewWithClient(&http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			Proxy: http.ProxyFromEnvironment,
		},
	}, dir)
}

// NewWithClient returns a Fetcher using the given HTTP client. Used by tests.
func NewWithClient(client *http.Client, dir string) *Fetcher {
	return &Fetcher{client: client, dir: dir}
}

// ValidateURL checks that raw parses with both a scheme and a host.
// No network traffic happens here.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, raw)
	}
	return u, nil
}

// Fetch streams the URL body to local storage and returns the artifact.
// The reported byte size is the count actually written, not the declared
// content-length. Progress is published to sink at most every 2 seconds.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, sink progress.Sink) (model.Artifact, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return model.Artifact{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Artifact{}, &StatusError{Code: resp.StatusCode}
	}

	filename := filenameFromResponse(resp, u)
	declared := resp.ContentLength
	if declared < 0 {
		declared = 0
	}

	// Sanity checks before consuming the body: a video link answering with a
	// page, or declaring a size no real video fits in, fails fast.
	if mediakind.IsVideo(filename) {
		ct := contentTypeOf(resp)
		if ct == "text/html" || ct == "text/plain" {
			return model.Artifact{}, fmt.Errorf("%w: got content-type %s for %s", ErrNotDirectLink, ct, filename)
		}
		if declared > 0 && declared < minVideoBytes {
			return model.Artifact{}, fmt.Errorf("%w: declared %d bytes", ErrSuspiciouslySmall, declared)
		}
	}

	workdir, err := util.MakeTempWorkdir(f.dir, "fetch")
	if err != nil {
		return model.Artifact{}, fmt.Errorf("create workdir: %w", err)
	}
	dst := filepath.Join(workdir, filename)

	written, err := f.streamToFile(resp.Body, dst, declared, sink)
	if err != nil {
		_ = util.RemoveIfExists(dst)
		return model.Artifact{}, err
	}

	if mediakind.IsVideo(filename) && written < minVideoBytes {
		_ = util.RemoveIfExists(dst)
		return model.Artifact{}, fmt.Errorf("%w: downloaded %d bytes", ErrSuspiciouslySmall, written)
	}

	return model.Artifact{
		Path:          dst,
		Filename:      filename,
		Bytes:         written,
		DeclaredBytes: declared,
	}, nil
}

// streamToFile copies body to dst in fixed-size chunks, counting bytes and
// ticking the progress throttle after each chunk.
func (f *Fetcher) streamToFile(body io.Reader, dst string, total int64, sink progress.Sink) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	throttle := progress.NewThrottle(sink, progressInterval)
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write file: %w", werr)
			}
			written += int64(n)
			throttle.Tick(written, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}
	return written, nil
}

// filenameFromResponse derives a display filename: Content-Disposition first,
// then the URL path (percent-decoded), then a generic default. Names without
// an extension fall back to the default too, matching the direct-link checks
// that key off extensions.
func filenameFromResponse(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return util.SanitizeFilename(path.Base(name))
			}
		}
	}

	base := path.Base(u.Path)
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	if base == "" || base == "." || base == "/" || !strings.Contains(base, ".") {
		return defaultFilename
	}
	return util.SanitizeFilename(base)
}

func contentTypeOf(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
