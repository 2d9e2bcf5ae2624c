package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource 从目录读取 .eml 文件，用于离线导入与回放
type DirSource struct {
	Dir string
}

// Name 实现 Source
func (s *DirSource) Name() string {
	return "dir"
}

// Fetch 实现 Source。任一文件读取或解析失败时整个拉取失败。
func (s *DirSource) Fetch(ctx context.Context) ([]RawMessage, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.Dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".eml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	out := make([]RawMessage, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(s.Dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		raw, err := ParseRawAt(data, info.ModTime())
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
