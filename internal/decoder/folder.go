package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DecodedSuffix is appended to the input name in folder mode.
const DecodedSuffix = ".decoded"

// decodeFolder decodes every regular file in dir with d. A failing file does
// not stop the batch; the first failure is returned once all files are done.
func decodeFolder(d Decoder, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &Error{Kind: KindIO, Path: dir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), DecodedSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var first error
	failed := 0
	for _, name := range names {
		if err := decodeFile(d, filepath.Join(dir, name)); err != nil {
			failed++
			slog.Warn("decoder: file failed", "path", filepath.Join(dir, name), "error", err)
			if first == nil {
				first = err
			}
		}
	}

	slog.Info("decoder: folder decoded",
		"path", dir,
		"files", len(names),
		"failed", failed,
	)
	return first
}

func decodeFile(d Decoder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Kind: KindIO, Path: path, Err: err}
	}

	frame, err := d.Decode(data)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			return &Error{Kind: de.Kind, Path: path, Err: de.Err}
		}
		return &Error{Kind: KindCodec, Path: path, Err: err}
	}

	if err := os.WriteFile(path+DecodedSuffix, frame.Payload, 0o644); err != nil {
		return &Error{Kind: KindIO, Path: path, Err: fmt.Errorf("write output: %w", err)}
	}
	return nil
}
