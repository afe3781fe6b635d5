package decoder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSelectsDecoder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default is noop", Config{}, false},
		{"noop", Config{Type: TypeNoop}, false},
		{"gst with pipeline", Config{Type: TypeGst, Pipeline: "identity"}, false},
		{"gst without pipeline", Config{Type: TypeGst}, true},
		{"gst with appsink", Config{Type: TypeGst, Pipeline: "identity ! appsink"}, true},
		{"unknown", Config{Type: "draco"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGstLaunchLine(t *testing.T) {
	g, err := NewGst("  identity  ", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := "appsrc name=src format=bytes ! identity ! appsink name=sink sync=false"
	if g.Launch() != want {
		t.Errorf("Launch() = %q, want %q", g.Launch(), want)
	}
}

func TestNoopPassthrough(t *testing.T) {
	d := NewNoop()
	in := []byte{1, 2, 3}
	f, err := d.Decode(in)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(f.Payload) != string(in) || f.Points != 0 {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestNoopEmptyPayloadIsTagged(t *testing.T) {
	_, err := NewNoop().Decode(nil)
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindEmpty {
		t.Fatalf("expected *Error with KindEmpty, got %v", err)
	}
	if k, ok := KindOf(err); !ok || k != KindEmpty {
		t.Errorf("KindOf = (%v, %v)", k, ok)
	}
}

func TestSniffPoints(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"ply", "ply\nformat ascii 1.0\nelement vertex 1234\nproperty float x\nend_header\n", 1234},
		{"pcd", "# .PCD v0.7\nVERSION 0.7\nFIELDS x y z\nWIDTH 10\nPOINTS 10\nDATA ascii\n", 10},
		{"ply without vertices", "ply\nend_header\nelement vertex 9\n", 0},
		{"binary", "\x00\x01\x02", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffPoints([]byte(tt.data)); got != tt.want {
				t.Errorf("sniffPoints = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeFolder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"0001.ply": "ply\nelement vertex 3\nend_header\n",
		"0002.bin": "payload",
		"0003.bin": "",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := NewNoop().DecodeFolder(dir)

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected tagged error for the empty file, got %v", err)
	}
	if de.Kind != KindEmpty || filepath.Base(de.Path) != "0003.bin" {
		t.Errorf("unexpected error %v", de)
	}

	for _, name := range []string{"0001.ply", "0002.bin"} {
		out, err := os.ReadFile(filepath.Join(dir, name+DecodedSuffix))
		if err != nil {
			t.Errorf("%s: missing output: %v", name, err)
			continue
		}
		if string(out) != files[name] {
			t.Errorf("%s: output %q, want passthrough", name, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "0003.bin"+DecodedSuffix)); err == nil {
		t.Error("failed file must not produce output")
	}

	// A second pass must not decode its own outputs.
	os.Remove(filepath.Join(dir, "0003.bin"))
	if err := NewNoop().DecodeFolder(dir); err != nil {
		t.Errorf("second pass failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "0001.ply"+DecodedSuffix+DecodedSuffix)); err == nil {
		t.Error("decoded outputs were decoded again")
	}
}

func TestDecodeFolderMissingDirectory(t *testing.T) {
	err := NewNoop().DecodeFolder(filepath.Join(t.TempDir(), "missing"))
	if k, ok := KindOf(err); !ok || k != KindIO {
		t.Errorf("expected KindIO, got %v", err)
	}
}
