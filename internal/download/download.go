// Package download fetches invest sample-data archives over HTTP and
// reports per-file progress, which the server republishes as
// download-status events for the renderer.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/phargogh/invest/internal/parallel"
)

// Progress is one status tuple for a single URL. Total is -1 when the
// server did not send a Content-Length.
type Progress struct {
	URL      string `json:"url"`
	Path     string `json:"path,omitempty"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ProgressFunc func(Progress)

type Downloader struct {
	client      *http.Client
	parallelism int
}

func New(parallelism int) *Downloader {
	if parallelism < 1 {
		parallelism = 2
	}
	return &Downloader{
		client:      &http.Client{},
		parallelism: parallelism,
	}
}

// Fetch downloads every URL into dir, at most parallelism at a time.
// Each file lands under its URL basename, written to a temp name and
// renamed into place when complete so an aborted download never leaves a
// plausible-looking partial archive.
func (d *Downloader) Fetch(ctx context.Context, urls []string, dir string, progress ProgressFunc) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	return parallel.ForEach(ctx, d.parallelism, urls, func(ctx context.Context, url string) error {
		err := d.fetchOne(ctx, url, dir, progress)
		if err != nil {
			progress(Progress{URL: url, Error: err.Error()})
		}
		return err
	})
}

func (d *Downloader) fetchOne(ctx context.Context, url, dir string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		return fmt.Errorf("downloading %s: no usable file name", url)
	}
	dest := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	counter := &countingWriter{
		w: tmp,
		report: func(n int64) {
			progress(Progress{URL: url, Path: dest, Received: n, Total: resp.ContentLength})
		},
	}
	if _, err := io.Copy(counter, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	progress(Progress{URL: url, Path: dest, Received: counter.n, Total: resp.ContentLength, Done: true})
	return nil
}

// reportEach keeps progress chatter down to one report per chunk.
const reportEach = 256 * 1024

type countingWriter struct {
	w      io.Writer
	n      int64
	last   int64
	report func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.n-c.last >= reportEach {
		c.last = c.n
		c.report(c.n)
	}
	return n, err
}
