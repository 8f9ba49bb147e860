package script

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxScriptBytes bounds what we are willing to read from a script source.
const maxScriptBytes = 32 << 20

// LoadFile reads and parses a funscript from disk.
func LoadFile(path string) (*Timeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Fetch downloads and parses a funscript from an HTTP(S) URL.
func Fetch(ctx context.Context, client *http.Client, url string) (*Timeline, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch script: unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	return Parse(b)
}

// Load picks Fetch for http(s) locations and LoadFile otherwise.
func Load(ctx context.Context, client *http.Client, location string) (*Timeline, error) {
	loc := strings.TrimSpace(location)
	low := strings.ToLower(loc)
	if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
		return Fetch(ctx, client, loc)
	}
	return LoadFile(loc)
}
