// Package compress prepares dropped receipt images for upload: downscale,
// grayscale, re-encode, and hash for duplicate detection. Grayscale plus a
// modest quality setting cuts file size heavily without hurting OCR.
package compress

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/yorutsuke/yorutsuke/internal/events"
)

const (
	// MaxDimension bounds the longest side after resize.
	MaxDimension = 1024

	// Quality is the JPEG encode quality, tuned for OCR legibility.
	Quality = 75
)

// Result describes one compressed receipt.
type Result struct {
	ID             string
	OriginalPath   string
	OutputPath     string
	OriginalSize   int64
	CompressedSize int64
	Width          int
	Height         int
	MD5            string
}

// Compressor writes compressed receipts into the image directory.
type Compressor struct {
	outputDir string
	logger    *events.Logger
}

// NewCompressor creates a compressor targeting outputDir.
func NewCompressor(outputDir string, logger *events.Logger) *Compressor {
	return &Compressor{
		outputDir: outputDir,
		logger:    logger.WithField("component", "compressor"),
	}
}

// Compress reads inputPath, produces <imageID>.jpg in the output directory,
// and returns sizes, dimensions, and the md5 of the compressed bytes.
func (c *Compressor) Compress(inputPath, imageID string) (*Result, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	newW, newH := fitDimensions(bounds.Dx(), bounds.Dy(), MaxDimension)

	gray := image.NewGray(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(gray, gray.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	data := buf.Bytes()

	outputPath := filepath.Join(c.outputDir, imageID+".jpg")
	if err := os.WriteFile(outputPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}

	sum := md5.Sum(data)

	result := &Result{
		ID:             imageID,
		OriginalPath:   inputPath,
		OutputPath:     outputPath,
		OriginalSize:   info.Size(),
		CompressedSize: int64(len(data)),
		Width:          newW,
		Height:         newH,
		MD5:            hex.EncodeToString(sum[:]),
	}

	c.logger.WithFields(map[string]interface{}{
		"image_id":        imageID,
		"original_size":   result.OriginalSize,
		"compressed_size": result.CompressedSize,
		"dimensions":      fmt.Sprintf("%dx%d", newW, newH),
	}).Debug("Compressed receipt")

	return result, nil
}

// Hash returns the md5 of a file without compressing it, for duplicate
// detection on re-drops of the same original.
func Hash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Remove deletes a local file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// fitDimensions scales (w, h) so the longest side is at most max,
// preserving aspect ratio. Smaller images pass through untouched.
func fitDimensions(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w > h {
		ratio := float64(max) / float64(w)
		return max, int(float64(h) * ratio)
	}
	ratio := float64(max) / float64(h)
	return int(float64(w) * ratio), max
}
