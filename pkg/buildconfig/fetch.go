package buildconfig

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/observability"
)

// Localize materializes the configuration tree named by configURL into
// cacheDir and returns a Tree over the copy. Augmentation passes mutate the
// copy, never the origin.
//
// Three origin forms are supported: a plain directory path, a file:// URL,
// and an http(s):// URL. Remote origins are fetched document by document:
// the index first, then every build-file document the index references.
func Localize(ctx context.Context, configURL, cacheDir string) (*Tree, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config cache: %w", err)
	}

	parsed, err := url.Parse(configURL)
	if err != nil {
		return nil, fmt.Errorf("invalid config URL %q: %w", configURL, err)
	}

	switch parsed.Scheme {
	case "", "file":
		src := configURL
		if parsed.Scheme == "file" {
			src = parsed.Path
		}
		src = strings.TrimSuffix(src, "/"+IndexFile)
		if err := copyTree(src, cacheDir); err != nil {
			return nil, err
		}
	case "http", "https":
		if err := fetchTree(ctx, configURL, cacheDir); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config URL scheme %q", parsed.Scheme)
	}

	tree := NewTree(cacheDir)
	if !tree.Exists(IndexFile) {
		return nil, fmt.Errorf("config origin %q has no %s", configURL, IndexFile)
	}
	return tree, nil
}

func copyTree(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("config origin not accessible: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("config origin %s is not a directory", src)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// fetchTree downloads the index document and every build-file document it
// references. The base URL may point at the tree root or directly at the
// index document.
func fetchTree(ctx context.Context, base, cacheDir string) error {
	base = strings.TrimSuffix(strings.TrimSuffix(base, IndexFile), "/")

	if err := fetchDocument(ctx, base, IndexFile, cacheDir); err != nil {
		return err
	}

	tree := NewTree(cacheDir)
	index, err := tree.LoadIndex()
	if err != nil {
		return err
	}

	for distro, entry := range Distributions(index) {
		dist, ok := AsMap(entry)
		if !ok {
			continue
		}
		for _, buildType := range BuildTypes {
			builds, ok := AsMap(dist[buildType])
			if !ok {
				continue
			}
			for buildName, ref := range builds {
				rel, ok := ref.(string)
				if !ok || rel == "" {
					continue
				}
				if err := fetchDocument(ctx, base, rel, cacheDir); err != nil {
					observability.CLILogger.Warn("Failed to fetch referenced config document",
						zap.String("distribution", distro),
						zap.String("build", buildName),
						zap.String("path", rel),
						zap.Error(err),
					)
				}
			}
		}
	}
	return nil
}

func fetchDocument(ctx context.Context, base, rel, cacheDir string) error {
	docURL := base + "/" + rel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", docURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", docURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", docURL, resp.Status)
	}

	target := filepath.Join(cacheDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}
