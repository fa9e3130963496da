package resolver

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pithecene-io/resolvd/bridge"
)

// DocumentLoader reads a script document.
type DocumentLoader interface {
	LoadDocument(path string) (bridge.Document, error)
}

// FileLoader reads script documents from the local filesystem.
type FileLoader struct{}

// LoadDocument reads path. BaseURL is the file URL of the containing
// directory.
func (FileLoader) LoadDocument(path string) (bridge.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return bridge.Document{}, fmt.Errorf("resolve script path: %w", err)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return bridge.Document{}, fmt.Errorf("read script: %w", err)
	}
	base := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Dir(abs)) + "/"}
	return bridge.Document{
		Name:    filepath.Base(abs),
		Path:    abs,
		BaseURL: base.String(),
		Source:  src,
	}, nil
}

// LoaderFunc adapts a function to DocumentLoader.
type LoaderFunc func(path string) (bridge.Document, error)

// LoadDocument calls f.
func (f LoaderFunc) LoadDocument(path string) (bridge.Document, error) {
	return f(path)
}
