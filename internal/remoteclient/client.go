// Package remoteclient issues the nine mirror protocol calls and implements
// the block-diff upload procedure with its v1.0 whole-file fallback.
package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaymirror/dirsync/internal/mirrorproto"
)

// ErrServerV11Unsupported is returned by FileSums when the server answers
// 404, meaning it only implements the v1.0 whole-file API.
var ErrServerV11Unsupported = errors.New("remoteclient: server does not support v1.1")

// Client issues protocol calls against one mirror server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client targeting baseURL (e.g. "http://localhost:8080"),
// with requestTimeout applied per-request.
func New(baseURL string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) url(prefix, op, p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.baseURL + prefix + "/" + op + "/" + strings.Join(segs, "/")
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

// WaitForServer blocks until any request to the base API URL succeeds,
// retrying every second with no backoff. The server is assumed local or
// trusted, per the reconciler's startup contract.
func (c *Client) WaitForServer(ctx context.Context) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mirrorproto.PrefixV10+"/", nil)
		if err == nil {
			resp, doErr := c.httpClient.Do(req)
			if doErr == nil {
				resp.Body.Close()
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// DirExists reports whether p names a directory on the server.
func (c *Client) DirExists(ctx context.Context, p string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(mirrorproto.PrefixV10, "direxists", p), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("direxists %s: %w", p, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("direxists %s: %s - %s", p, resp.Status, readBody(resp))
	}
}

// CreateDir creates p and any missing parents on the server.
func (c *Client) CreateDir(ctx context.Context, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(mirrorproto.PrefixV10, "createdir", p), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("createdir %s: %w", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("createdir %s: %s - %s", p, resp.Status, readBody(resp))
	}
	return nil
}

// CheckFile returns the server's (size, mtime) identity for p. ok is false
// if the server reports the object absent (410).
func (c *Client) CheckFile(ctx context.Context, p string) (stat mirrorproto.FileStat, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(mirrorproto.PrefixV10, "checkfile", p), nil)
	if err != nil {
		return mirrorproto.FileStat{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mirrorproto.FileStat{}, false, fmt.Errorf("checkfile %s: %w", p, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if decErr := decodeJSON(resp.Body, &stat); decErr != nil {
			return mirrorproto.FileStat{}, false, fmt.Errorf("checkfile %s: decode: %w", p, decErr)
		}
		return stat, true, nil
	case http.StatusGone:
		return mirrorproto.FileStat{}, false, nil
	default:
		return mirrorproto.FileStat{}, false, fmt.Errorf("checkfile %s: %s - %s", p, resp.Status, readBody(resp))
	}
}

// FileSums returns the per-block checksum vector of p on the server.
// ErrServerV11Unsupported is returned (wrapped) if the server answers 404.
func (c *Client) FileSums(ctx context.Context, p string) (mirrorproto.BlockSums, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(mirrorproto.PrefixV11, "filesums", p), nil)
	if err != nil {
		return mirrorproto.BlockSums{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mirrorproto.BlockSums{}, fmt.Errorf("filesums %s: %w", p, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var sums mirrorproto.BlockSums
		if err := decodeJSON(resp.Body, &sums); err != nil {
			return mirrorproto.BlockSums{}, fmt.Errorf("filesums %s: decode: %w", p, err)
		}
		return sums, nil
	case http.StatusNotFound:
		return mirrorproto.BlockSums{}, fmt.Errorf("filesums %s: %w", p, ErrServerV11Unsupported)
	default:
		return mirrorproto.BlockSums{}, fmt.Errorf("filesums %s: %s - %s", p, resp.Status, readBody(resp))
	}
}

// CopyFile overwrites the destination file at p with the entire contents of
// r, the v1.0 whole-file fallback path.
func (c *Client) CopyFile(ctx context.Context, p string, r io.Reader, atime, mtime time.Time) error {
	q := url.Values{}
	q.Set(mirrorproto.QueryAtimeNs, strconv.FormatInt(atime.UnixNano(), 10))
	q.Set(mirrorproto.QueryMtimeNs, strconv.FormatInt(mtime.UnixNano(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(mirrorproto.PrefixV10, "copyfile", p)+"?"+q.Encode(), r)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("copyfile %s: %w", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("copyfile %s: %s - %s", p, resp.Status, readBody(resp))
	}
	return nil
}

// CopyBlockFinal carries the terminal-block metadata that commits a
// block-diff upload session.
type CopyBlockFinal struct {
	Size  int64
	Atime time.Time
	Mtime time.Time
}

// CopyBlock writes data at offset into the destination file at p. If final
// is non-nil, the request also carries filesize/atime_ns/mtime_ns, which
// commits the upload.
func (c *Client) CopyBlock(ctx context.Context, p string, offset int64, data io.Reader, final *CopyBlockFinal) error {
	q := url.Values{}
	q.Set(mirrorproto.QueryOffset, strconv.FormatInt(offset, 10))
	if final != nil {
		q.Set(mirrorproto.QueryFilesize, strconv.FormatInt(final.Size, 10))
		q.Set(mirrorproto.QueryAtimeNs, strconv.FormatInt(final.Atime.UnixNano(), 10))
		q.Set(mirrorproto.QueryMtimeNs, strconv.FormatInt(final.Mtime.UnixNano(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(mirrorproto.PrefixV11, "copyblock", p)+"?"+q.Encode(), data)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("copyblock %s@%d: %w", p, offset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("copyblock %s@%d: %s - %s", p, offset, resp.Status, readBody(resp))
	}
	return nil
}

// DeleteObject removes the object at p on the server. An absent object is
// reported as success by the server, so this call is idempotent.
func (c *Client) DeleteObject(ctx context.Context, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(mirrorproto.PrefixV10, "deleteobject", p), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleteobject %s: %w", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleteobject %s: %s - %s", p, resp.Status, readBody(resp))
	}
	return nil
}

// RenameObject renames oldP to newP on the server.
func (c *Client) RenameObject(ctx context.Context, oldP, newP string) error {
	q := url.Values{}
	q.Set(mirrorproto.QueryNewName, newP)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(mirrorproto.PrefixV10, "renameobject", oldP)+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renameobject %s->%s: %w", oldP, newP, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renameobject %s->%s: %s - %s", oldP, newP, resp.Status, readBody(resp))
	}
	return nil
}

// Shutdown asks the server to terminate.
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mirrorproto.PrefixV10+"/shutdown", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown: %s - %s", resp.Status, readBody(resp))
	}
	return nil
}
