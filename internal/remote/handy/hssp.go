package handy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	logx "motionsync/pkg/logx"
)

// SetupResult is the outcome of an HSSP setup.
type SetupResult int

const (
	SetupDownloaded SetupResult = 0
	SetupUsingCache SetupResult = 1
)

// Ready reports whether the device has the script and can play it.
func (r SetupResult) Ready() bool { return r == SetupDownloaded || r == SetupUsingCache }

// Upload posts a CSV script to the sync upload endpoint and returns the
// temporary URL the device downloads it from.
func (c *Client) Upload(ctx context.Context, csv []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := uuid.NewString() + ".csv"
	fw, err := mw.CreateFormFile("syncFile", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(csv); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.upload, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: upload: %w", ErrConnection, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: upload: read body: %w", ErrConnection, err)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := decodeResponse(resp.StatusCode, raw, &out); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("upload: response has no url")
	}
	c.log.Debug("script uploaded", logx.String("file", name), logx.Int("bytes", len(csv)))
	return out.URL, nil
}

// SetupHSSP tells the device to fetch the script at url.
func (c *Client) SetupHSSP(ctx context.Context, url string) (SetupResult, error) {
	var res int
	if err := c.doResult(ctx, http.MethodPut, "/hssp/setup", map[string]any{"url": url}, &res); err != nil {
		return 0, err
	}
	return SetupResult(res), nil
}

// PlayHSSP starts playback at startTime (script milliseconds) given the
// caller's estimate of the server clock in Unix milliseconds.
func (c *Client) PlayHSSP(ctx context.Context, startTime, estimatedServerTime int64) error {
	return c.doResult(ctx, http.MethodPut, "/hssp/play", map[string]any{
		"estimatedServerTime": estimatedServerTime,
		"startTime":           startTime,
	}, nil)
}

func (c *Client) StopHSSP(ctx context.Context) error {
	return c.doResult(ctx, http.MethodPut, "/hssp/stop", nil, nil)
}

func (c *Client) SetLoop(ctx context.Context, activated bool) error {
	return c.doResult(ctx, http.MethodPut, "/hssp/loop", map[string]any{"activated": activated}, nil)
}
