package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"imgpress/internal/sniff"
)

// CollectFiles recursively gathers files matching the supported extensions
// from the given paths (files or directories). Unreadable entries are skipped.
func CollectFiles(inputPaths []string, extensions []string) ([]string, error) {
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extSet[ext] = struct{}{}
	}

	var files []string
	visit := func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if _, ok := extSet[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			files = append(files, path)
		}
		return nil
	}

	for _, in := range inputPaths {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if info.IsDir() {
			_ = filepath.WalkDir(in, visit)
			continue
		}
		if _, ok := extSet[strings.ToLower(filepath.Ext(in))]; ok {
			files = append(files, in)
		}
	}
	return files, nil
}

// ReadItems loads files into batch items, deriving the declared content type
// from each file's extension.
func ReadItems(paths []string) ([]Item, error) {
	items := make([]Item, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		items = append(items, Item{
			Label:        filepath.Base(path),
			Data:         data,
			DeclaredType: sniff.TypeFromExtension(filepath.Ext(path)),
		})
	}
	return items, nil
}
