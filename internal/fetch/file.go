package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// DefaultPathTemplate lays frames out as <root>/<object>/<level>/<offset>.bin
const DefaultPathTemplate = "{object}/{level}/{offset}.bin"

// FileFetcher reads frames from a directory tree.
type FileFetcher struct {
	root     string
	template string
}

// NewFileFetcher creates a fetcher rooted at root. An empty template selects
// DefaultPathTemplate. Placeholders: {object}, {level}, {offset}.
func NewFileFetcher(root, template string) (*FileFetcher, error) {
	if root == "" {
		return nil, fmt.Errorf("fetch: source root is required")
	}
	if template == "" {
		template = DefaultPathTemplate
	}
	if !strings.Contains(template, "{offset}") {
		return nil, fmt.Errorf("fetch: path template %q must contain {offset}", template)
	}
	return &FileFetcher{root: root, template: template}, nil
}

// Path returns the file path that holds req.
func (f *FileFetcher) Path(req types.FetchRequest) string {
	r := strings.NewReplacer(
		"{object}", strconv.FormatUint(uint64(req.Object), 10),
		"{level}", strconv.Itoa(int(req.Level)),
		"{offset}", strconv.FormatUint(req.Offset, 10),
	)
	return filepath.Join(f.root, r.Replace(f.template))
}

// Fetch reads the frame file for req.
func (f *FileFetcher) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.Path(req)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("fetch: failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, path)
	}
	return data, nil
}
