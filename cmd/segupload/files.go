package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-segupload/stepconf"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// resolveFile turns the file input into the path of exactly one local file.
func resolveFile(ctx context.Context, input string, files stepconf.FileProvider, pathModifier pathutil.PathModifier) (string, error) {
	path, err := files.LocalPath(ctx, input)
	if err != nil {
		return "", err
	}
	if path != input || !strings.ContainsAny(path, "*?[{") {
		return pathModifier.AbsPath(path)
	}

	base, pattern := doublestar.SplitPattern(path)
	absBase, err := pathModifier.AbsPath(base)
	if err != nil {
		return "", err
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
	if err != nil {
		return "", fmt.Errorf("invalid file pattern %s: %w", input, err)
	}

	var regular []string
	for _, match := range matches {
		p := filepath.Join(absBase, match)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			regular = append(regular, p)
		}
	}

	switch len(regular) {
	case 0:
		return "", fmt.Errorf("no file matches %s", input)
	case 1:
		return regular[0], nil
	default:
		return "", fmt.Errorf("%d files match %s, a control uploads exactly one: %s", len(regular), input, strings.Join(regular, ", "))
	}
}

// parseFormValues parses key=value pairs.
func parseFormValues(pairs []string) (map[string]string, error) {
	values := map[string]string{}
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid form value %q, expected key=value", pair)
		}
		values[key] = value
	}
	return values, nil
}

func cut(s, sep string) (string, string, bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
