package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abcdllm/gateway/internal/store"
)

const probeTimeout = 2 * time.Second

// AutoConfigure locates a reachable inference backend at startup. If the
// persisted setting already answers, nothing changes; otherwise the
// candidate addresses are probed in order and the first hit is persisted to
// system_settings so every replica converges on the same URL. Meant to run
// in a goroutine; it never fails the boot.
func (c *Client) AutoConfigure(ctx context.Context) {
	current := c.BaseURL(ctx)
	if probe(ctx, current) {
		slog.Info("backend reachable", "url", current)
		return
	}

	for _, candidate := range c.candidateURLs() {
		if candidate == current {
			continue
		}
		if !probe(ctx, candidate) {
			continue
		}
		slog.Info("backend auto-detected", "url", candidate)
		if err := c.persistURL(ctx, candidate); err != nil {
			slog.Warn("backend: persisting detected url failed", "url", candidate, "error", err)
		}
		c.Reinitialize(ctx)
		c.cache.SetConfig(ctx, cacheConfigName, candidate)
		return
	}
	slog.Warn("backend unreachable, keeping configured url", "url", current)
}

// persistURL upserts the system_settings record holding the backend URL.
func (c *Client) persistURL(ctx context.Context, url string) error {
	var existing []struct {
		ID string `json:"id"`
	}
	_, err := c.store.List(ctx, store.CollectionSystemSettings, store.ListQuery{
		Filter:  fmt.Sprintf("key=%q", SettingKey),
		PerPage: 1,
	}, &existing)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	fields := map[string]any{"key": SettingKey, "value": url}
	if len(existing) > 0 {
		return c.store.Update(ctx, store.CollectionSystemSettings, existing[0].ID, fields, nil)
	}
	return c.store.Create(ctx, store.CollectionSystemSettings, fields, nil)
}

// candidateURLs lists the places an Ollama instance typically lives when
// the gateway runs in a container next to it.
func (c *Client) candidateURLs() []string {
	urls := []string{
		c.cfg.URL,
		"http://localhost:11434",
		"http://127.0.0.1:11434",
		"http://host.docker.internal:11434",
	}
	if gw := defaultGatewayIP(); gw != "" {
		urls = append(urls, "http://"+gw+":11434")
	}
	return urls
}

func probe(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// defaultGatewayIP reads the container's default gateway from
// /proc/net/route. Returns "" off Linux or when no default route exists.
func defaultGatewayIP() string {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		// Little-endian hex as the kernel writes it.
		ip := net.IPv4(byte(raw), byte(raw>>8), byte(raw>>16), byte(raw>>24))
		return ip.String()
	}
	return ""
}
