package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/spectator/internal/sandbox"
)

// ErrOverwriteRefused rejects fs.write_text onto an existing file
// without the overwrite flag.
var ErrOverwriteRefused = errors.New("refusing to overwrite existing file")

func resolveSandboxPath(root, p string) (string, error) {
	resolved, err := sandbox.ResolveUnderRoot(root, p)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// readTextHandler returns the fs.read_text handler for a sandbox root:
// {path, max_bytes=20000} -> {path, text}. Reads the first max_bytes
// bytes with lossy UTF-8 decoding.
func readTextHandler(root string) Handler {
	return func(_ context.Context, args map[string]any, _ *Context) (map[string]any, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		maxBytes, maxErr := intArg(args, "max_bytes", 20000)
		if maxErr != nil || maxBytes <= 0 {
			return nil, errors.New("max_bytes must be a positive integer")
		}

		resolved, err := resolveSandboxPath(root, path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			return nil, errors.New("path is not a file")
		}

		f, err := os.Open(resolved)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		return map[string]any{
			"path": path,
			"text": strings.ToValidUTF8(string(data), "�"),
		}, nil
	}
}

// listDirHandler returns the fs.list_dir handler:
// {path=".", max_entries=200} -> {path, entries} with sorted names.
func listDirHandler(root string) Handler {
	return func(_ context.Context, args map[string]any, _ *Context) (map[string]any, error) {
		path, ok := stringArg(args, "path", ".")
		if !ok {
			return nil, errors.New("path must be a string")
		}
		maxEntries, entErr := intArg(args, "max_entries", 200)
		if entErr != nil || maxEntries <= 0 {
			return nil, errors.New("max_entries must be a positive integer")
		}

		resolved, err := resolveSandboxPath(root, path)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, errors.New("path is not a directory")
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		if len(names) > maxEntries {
			names = names[:maxEntries]
		}
		return map[string]any{"path": path, "entries": names}, nil
	}
}

// writeTextHandler returns the fs.write_text handler:
// {path, text, overwrite=false} -> {path, bytes}. Parent directories
// are created; an existing file needs the overwrite flag.
func writeTextHandler(root string) Handler {
	return func(_ context.Context, args map[string]any, _ *Context) (map[string]any, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		text, err := requiredString(args, "text")
		if err != nil {
			return nil, err
		}
		overwrite, ok := boolArg(args, "overwrite", false)
		if !ok {
			return nil, errors.New("overwrite must be a boolean")
		}

		resolved, err := resolveSandboxPath(root, path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(resolved); err == nil && !overwrite {
			return nil, ErrOverwriteRefused
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("create parent directories: %w", err)
		}
		if err := os.WriteFile(resolved, []byte(text), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return map[string]any{"path": path, "bytes": len(text)}, nil
	}
}
