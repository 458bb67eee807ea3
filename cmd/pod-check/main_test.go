package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func writePNG(t *testing.T, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// document draws light vertical lines every 5 pixels on a gray field.
func document(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(100)
			if x%5 == 0 {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func blank(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func run(t *testing.T, strict, asJSON bool, args ...string) (string, error) {
	t.Helper()
	oldStrict, oldJSON := strictFlag, jsonFlag
	strictFlag, jsonFlag = strict, asJSON
	t.Cleanup(func() { strictFlag, jsonFlag = oldStrict, oldJSON })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := runMain(cmd, args)
	return out.String(), err
}

func TestRunMain_StrictExitStatus(t *testing.T) {
	good := writePNG(t, "good.png", document(640, 480))
	bad := writePNG(t, "bad.png", blank(640, 480))

	tests := []struct {
		name     string
		strict   bool
		files    []string
		wantGate bool
	}{
		{"all pass strict", true, []string{good}, false},
		{"failure strict", true, []string{good, bad}, true},
		{"failure lenient", false, []string{good, bad}, false},
		{"unreadable strict", true, []string{filepath.Join(t.TempDir(), "missing.jpg")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.strict, false, tt.files...)
			if got := errors.Is(err, errGateFailed); got != tt.wantGate {
				t.Errorf("runMain() error = %v, want gate failure %v", err, tt.wantGate)
			}
			if !tt.wantGate && err != nil {
				t.Errorf("runMain() error = %v, want nil", err)
			}
		})
	}
}

func TestRunMain_JSON(t *testing.T) {
	bad := writePNG(t, "bad.png", blank(640, 480))
	out, err := run(t, false, true, bad)
	if err != nil {
		t.Fatal(err)
	}
	var res fileResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if res.File != bad || res.Verdict.Passed || len(res.Verdict.Reasons) == 0 {
		t.Errorf("result = %+v", res)
	}
}
