package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/haasonsaas/spectator/internal/capabilities"
	"github.com/haasonsaas/spectator/internal/tools/httpcache"
)

// ErrNetworkDenied rejects http.get calls whose domain has no
// capability grant.
var ErrNetworkDenied = errors.New("network access denied")

const httpUserAgent = "spectator/1.0"

// httpGetHandler returns the http.get handler:
// {url, use_cache=true} -> {url, status, text, cache_hit}. Fetches
// need a net capability grant on the state; HTML bodies are reduced to
// plain text. The SQLite response cache opens lazily on first use;
// use_cache=false bypasses it for both the read and the write-back.
func httpGetHandler(settings Settings, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		once  sync.Once
		cache *httpcache.Cache
	)
	openCache := func() *httpcache.Cache {
		once.Do(func() {
			c, err := httpcache.New(httpcache.Config{Path: settings.HTTPCachePath, TTL: settings.HTTPCacheTTL})
			if err != nil {
				logger.Warn("http cache unavailable", "path", settings.HTTPCachePath, "error", err)
				return
			}
			cache = c
		})
		return cache
	}
	client := &http.Client{Timeout: settings.HTTPTimeout}

	return func(ctx context.Context, args map[string]any, tc *Context) (map[string]any, error) {
		rawURL, err := requiredString(args, "url")
		if err != nil {
			return nil, err
		}
		useCache, ok := boolArg(args, "use_cache", true)
		if !ok {
			return nil, errors.New("use_cache must be a boolean")
		}

		parsed, err := url.Parse(rawURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, errors.New("url must be http or https")
		}
		host := strings.ToLower(parsed.Hostname())
		if host == "" {
			return nil, errors.New("url must include a hostname")
		}

		var granted []string
		if tc != nil && tc.State != nil {
			granted = tc.State.CapabilitiesGranted
		}
		if !capabilities.AllowNet(granted, host, settings.HTTPAllowlistEnabled, settings.HTTPAllowlist) {
			return nil, ErrNetworkDenied
		}

		store := openCache()
		if useCache && store != nil {
			if entry, hit, err := store.Get(ctx, rawURL); err == nil && hit {
				return map[string]any{"url": rawURL, "status": entry.Status, "text": entry.Text, "cache_hit": true}, nil
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", httpUserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP Error %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, settings.HTTPMaxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if int64(len(data)) > settings.HTTPMaxBytes {
			return nil, errors.New("response exceeded byte limit")
		}

		text := strings.ToValidUTF8(string(data), "�")
		if looksLikeHTML(resp.Header.Get("Content-Type"), text) {
			text = htmlToText(text)
		}

		if useCache && store != nil {
			if err := store.Put(ctx, rawURL, resp.StatusCode, text); err != nil {
				logger.Warn("http cache write failed", "url", rawURL, "error", err)
			}
		}
		return map[string]any{"url": rawURL, "status": resp.StatusCode, "text": text, "cache_hit": false}, nil
	}
}

func looksLikeHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := body
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.Contains(strings.ToLower(head), "<html")
}

// htmlToText strips tags, drops script and style bodies, and collapses
// runs of whitespace to single spaces.
func htmlToText(src string) string {
	tok := html.NewTokenizer(strings.NewReader(src))
	var parts []string
	skipDepth := 0
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		case html.StartTagToken:
			name, _ := tok.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				parts = append(parts, string(tok.Text()))
			}
		}
	}
}
