package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Tesseract runs the tesseract CLI, reading the image on stdin.
type Tesseract struct {
	Path  string
	Langs string
}

// NewTesseract returns an OCR backed by the tesseract binary at path.
func NewTesseract(path, langs string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	return &Tesseract{Path: path, Langs: langs}
}

// Available reports whether the binary can be found.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.Path)
	return err == nil
}

// Recognize implements OCR.
func (t *Tesseract) Recognize(ctx context.Context, img []byte) (string, error) {
	args := []string{"stdin", "stdout", "--psm", "6"}
	if t.Langs != "" {
		args = append(args, "-l", t.Langs)
	}
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
