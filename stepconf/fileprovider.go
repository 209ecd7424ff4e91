package stepconf

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const fileScheme = "file://"

// FileProvider turns a file input into a local path.
type FileProvider interface {
	// LocalPath resolves path:
	//   file://<path>          -> absolute local path
	//   http:// or https:// URL -> downloaded into a temporary directory
	//   anything else          -> returned as is, for the caller to glob
	LocalPath(ctx context.Context, path string) (string, error)
}

type fileProvider struct {
	downloader   filedownloader.Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader filedownloader.Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// IsRemote reports whether path is downloaded by a FileProvider.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func (f *fileProvider) LocalPath(ctx context.Context, path string) (string, error) {
	switch {
	case strings.HasPrefix(path, fileScheme):
		return f.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
	case IsRemote(path):
		return f.download(ctx, path)
	default:
		return path, nil
	}
}

func (f *fileProvider) download(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}
	name := filepath.Base(u.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("no file name in URL %s", rawURL)
	}

	tmpDir, err := f.pathProvider.CreateTempDir("segupload")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, name)
	if err := f.downloader.Download(ctx, localPath, rawURL); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", rawURL, err)
	}

	return localPath, nil
}
