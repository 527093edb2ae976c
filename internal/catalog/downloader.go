package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// dump file types published each month
var dumpFileTypes = []string{"artists", "labels", "releases"}

// HTTPDownloader streams the monthly dump files from the public export host
// into a local data directory. Progress is reported across all files
// combined so observers see one continuous download.
type HTTPDownloader struct {
	baseURL string
	dataDir string
	http    *resty.Client
}

// NewHTTPDownloader creates a dump downloader
func NewHTTPDownloader(baseURL, dataDir string) *HTTPDownloader {
	return &HTTPDownloader{
		baseURL: strings.TrimRight(baseURL, "/"),
		dataDir: dataDir,
		http: resty.New().
			// Dump files run to multiple GB; the transfer owns its pace
			SetTimeout(0).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
	}
}

// FetchDump downloads the three dump files for a subject key (year-month).
// Files already present on disk with a non-zero size are not re-downloaded.
func (d *HTTPDownloader) FetchDump(ctx context.Context, subjectKey string, progress ProgressFunc) (*DumpSet, error) {
	monthDir := filepath.Join(d.dataDir, subjectKey)
	if err := os.MkdirAll(monthDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}

	totals := make([]int64, len(dumpFileTypes))
	var grandTotal int64
	for i, ft := range dumpFileTypes {
		size, err := d.remoteSize(ctx, subjectKey, ft)
		if err != nil {
			return nil, err
		}
		totals[i] = size
		grandTotal += size
	}

	paths := make([]string, len(dumpFileTypes))
	var doneBytes int64

	for i, ft := range dumpFileTypes {
		path := filepath.Join(monthDir, d.fileName(subjectKey, ft))
		paths[i] = path

		if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
			doneBytes += totals[i]
			if progress != nil {
				progress(doneBytes, grandTotal)
			}
			continue
		}

		if err := d.downloadFile(ctx, subjectKey, ft, path, func(n int64) {
			if progress != nil {
				progress(doneBytes+n, grandTotal)
			}
		}); err != nil {
			return nil, err
		}
		doneBytes += totals[i]
	}

	return &DumpSet{
		ArtistsPath:  paths[0],
		LabelsPath:   paths[1],
		ReleasesPath: paths[2],
	}, nil
}

func (d *HTTPDownloader) fileName(subjectKey, fileType string) string {
	return fmt.Sprintf("catalog_%s_%s.xml.gz", subjectKey, fileType)
}

func (d *HTTPDownloader) fileURL(subjectKey, fileType string) string {
	return fmt.Sprintf("%s/%s/%s", d.baseURL, subjectKey, d.fileName(subjectKey, fileType))
}

func (d *HTTPDownloader) remoteSize(ctx context.Context, subjectKey, fileType string) (int64, error) {
	resp, err := d.http.R().SetContext(ctx).Head(d.fileURL(subjectKey, fileType))
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s dump: %w", fileType, err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("%s dump not available for %s: %s", fileType, subjectKey, resp.Status())
	}
	return resp.RawResponse.ContentLength, nil
}

// downloadFile streams one dump file to disk, writing to a temp file first so
// a partial download never looks complete on resume.
func (d *HTTPDownloader) downloadFile(ctx context.Context, subjectKey, fileType, path string, onBytes func(int64)) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(d.fileURL(subjectKey, fileType))
	if err != nil {
		return fmt.Errorf("failed to download %s dump: %w", fileType, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return fmt.Errorf("failed to download %s dump: %s", fileType, resp.Status())
	}

	tmp := path + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}

	written, err := io.Copy(out, &countingReader{r: body, onBytes: onBytes})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s dump: %w", fileType, err)
	}
	if written == 0 {
		os.Remove(tmp)
		return fmt.Errorf("%s dump for %s was empty", fileType, subjectKey)
	}

	return os.Rename(tmp, path)
}

// countingReader reports cumulative bytes read through it
type countingReader struct {
	r       io.Reader
	n       int64
	onBytes func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.onBytes != nil {
			c.onBytes(c.n)
		}
	}
	return n, err
}
