// Package handy is a thin client for the Handy cloud API (v2): connection and
// firmware checks, HSSP script setup and playback, and server clock sampling.
package handy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	logx "motionsync/pkg/logx"
)

const (
	DefaultBaseURL   = "https://www.handyfeeling.com/api/handy/v2"
	DefaultUploadURL = "https://www.handyfeeling.com/api/sync/upload?local=true"

	maxResponseBytes = 1 << 20
)

var (
	// ErrConnection means the device or the API is unreachable, or the device
	// is not online.
	ErrConnection = errors.New("handy: connection failed")
	// ErrFirmwareIncompatible means the device firmware must be updated first.
	ErrFirmwareIncompatible = errors.New("handy: firmware update required")
)

// Mode is the device operating mode.
type Mode int

const (
	ModeHAMP Mode = 0
	ModeHSSP Mode = 1
	ModeHDSP Mode = 2
)

// FirmwareStatus as reported by /info.
type FirmwareStatus int

const (
	FirmwareUpToDate       FirmwareStatus = 0
	FirmwareUpdateRequired FirmwareStatus = 1
	FirmwareUpdateAvail    FirmwareStatus = 2
)

type Info struct {
	FwVersion string         `json:"fwVersion"`
	FwStatus  FirmwareStatus `json:"fwStatus"`
	HwVersion int            `json:"hwVersion"`
	Model     string         `json:"model"`
	Branch    string         `json:"branch"`
}

// APIError is an error reported by the API, either as a non-2xx status or
// as an error object in a 2xx body.
type APIError struct {
	Status    int    `json:"-"`
	Code      int    `json:"code"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Connected bool   `json:"connected"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("handy api: %s (code=%d http=%d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("handy api: http=%d", e.Status)
}

type Config struct {
	BaseURL       string
	UploadURL     string
	ConnectionKey string
	Timeout       time.Duration

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

type Client struct {
	base   string
	upload string
	key    string
	http   *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.UploadURL) == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		upload: cfg.UploadURL,
		key:    strings.TrimSpace(cfg.ConnectionKey),
		http:   hc,
		log:    log,
		now:    time.Now,
	}
}

// HasKey reports whether a connection key is configured.
func (c *Client) HasKey() bool { return c.key != "" }

func (c *Client) Connected(ctx context.Context) (bool, error) {
	var out struct {
		Connected bool `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, "/connected", nil, &out); err != nil {
		return false, err
	}
	return out.Connected, nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	err := c.do(ctx, http.MethodGet, "/info", nil, &out)
	return out, err
}

// CheckReady verifies the device is online and its firmware is usable.
func (c *Client) CheckReady(ctx context.Context) (Info, error) {
	ok, err := c.Connected(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !ok {
		return Info{}, fmt.Errorf("%w: device not connected", ErrConnection)
	}
	info, err := c.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if info.FwStatus == FirmwareUpdateRequired {
		return info, fmt.Errorf("%w (firmware %s)", ErrFirmwareIncompatible, info.FwVersion)
	}
	return info, nil
}

func (c *Client) SetMode(ctx context.Context, m Mode) error {
	return c.doResult(ctx, http.MethodPut, "/mode", map[string]any{"mode": m}, nil)
}

// ServerTime returns the server's clock in Unix milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/servertime", nil, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// ServerTimeOffset estimates serverTime - localTime in milliseconds, averaged
// over samples round trips. Each sample assumes a symmetric network delay.
func (c *Client) ServerTimeOffset(ctx context.Context, samples int) (int64, error) {
	if samples <= 0 {
		samples = 1
	}
	var sum float64
	for i := 0; i < samples; i++ {
		sent := c.now()
		st, err := c.ServerTime(ctx)
		if err != nil {
			return 0, fmt.Errorf("server time sample %d: %w", i, err)
		}
		recv := c.now()
		rtt := recv.Sub(sent).Milliseconds()
		estimated := float64(st) + float64(rtt)/2
		sum += estimated - float64(recv.UnixMilli())
	}
	offset := int64(math.Round(sum / float64(samples)))
	c.log.Debug("server time offset", logx.Int64("offset_ms", offset), logx.Int("samples", samples))
	return offset, nil
}

type resultBody struct {
	Result int `json:"result"`
}

// doResult is do for endpoints answering {"result": n}; negative results are errors.
func (c *Client) doResult(ctx context.Context, method, path string, in any, result *int) error {
	var out resultBody
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return err
	}
	if out.Result < 0 {
		return &APIError{Status: http.StatusOK, Code: out.Result, Message: path + " returned error result"}
	}
	if result != nil {
		*result = out.Result
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Connection-Key", c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %w", ErrConnection, method, path, err)
	}
	c.log.Trace("handy request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(started)),
	)
	return decodeResponse(resp.StatusCode, raw, out)
}

func decodeResponse(status int, raw []byte, out any) error {
	var env struct {
		Error *APIError `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)
	if env.Error != nil {
		env.Error.Status = status
		return env.Error
	}
	if status/100 != 2 {
		return &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("handy api: decode response: %w", err)
	}
	return nil
}
