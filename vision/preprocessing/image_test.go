package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createMockJPEGImage creates a simple gradient JPEG image for testing
func createMockJPEGImage(width, height int, baseColor color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x+y) / float64(width+height)
			img.Set(x, y, color.RGBA{
				uint8(float64(baseColor.R) * factor),
				uint8(float64(baseColor.G) * factor),
				uint8(float64(baseColor.B) * factor),
				255,
			})
		}
	}

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes(), err
}

// createSolidPNG creates a single-color PNG image for testing
func createSolidPNG(width, height int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// TestNewImageProcessor tests ImageProcessor creation
func TestNewImageProcessor(t *testing.T) {
	processor := NewImageProcessor(224, false)

	if processor.targetSize != 224 {
		t.Errorf("Expected target size 224, got %d", processor.targetSize)
	}
	if processor.Channels() != 3 {
		t.Errorf("Expected 3 channels, got %d", processor.Channels())
	}
	if len(processor.scratch) != 0 {
		t.Error("Expected nil buffers initially")
	}
	if NewImageProcessor(32, true).Channels() != 1 {
		t.Error("Expected 1 channel for grayscale processor")
	}
}

// TestDecodeJPEG tests decoding, resizing and value range
func TestDecodeJPEG(t *testing.T) {
	processor := NewImageProcessor(64, false)
	data, err := createMockJPEGImage(100, 80, color.RGBA{255, 128, 64, 255})
	if err != nil {
		t.Fatalf("Failed to create mock image: %v", err)
	}

	result, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}

	if result.Width != 64 || result.Height != 64 || result.Channels != 3 {
		t.Errorf("Expected 3x64x64, got %v", result.Shape())
	}
	if len(result.Data) != 3*64*64 {
		t.Errorf("Expected %d values, got %d", 3*64*64, len(result.Data))
	}
	for i, v := range result.Data {
		if v < -1 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("Value %d out of range: %f", i, v)
		}
	}
}

// TestDecodePNGValues tests exact normalization of a solid PNG
func TestDecodePNGValues(t *testing.T) {
	processor := NewImageProcessor(0, false)
	result, err := processor.DecodeAndPreprocess(bytes.NewReader(createSolidPNG(4, 2, color.RGBA{255, 0, 51, 255})))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}

	if result.Width != 4 || result.Height != 2 {
		t.Errorf("Expected source size kept, got %dx%d", result.Width, result.Height)
	}

	plane := 8
	expected := []float32{1, -1, 51/127.5 - 1}
	for c := 0; c < 3; c++ {
		got := result.Data[c*plane]
		if math.Abs(float64(got-expected[c])) > 1e-6 {
			t.Errorf("Channel %d: expected %f, got %f", c, expected[c], got)
		}
	}
}

// TestDecodeGrayscale tests single-channel output
func TestDecodeGrayscale(t *testing.T) {
	processor := NewImageProcessor(8, true)
	result, err := processor.DecodeAndPreprocess(bytes.NewReader(createSolidPNG(16, 16, color.RGBA{255, 255, 255, 255})))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}

	if result.Channels != 1 || len(result.Data) != 64 {
		t.Fatalf("Expected 1x8x8, got %v with %d values", result.Shape(), len(result.Data))
	}
	for _, v := range result.Data {
		if v != 1 {
			t.Fatalf("Expected white to map to 1, got %f", v)
		}
	}
}

// TestDecodeInvalid tests decoding errors
func TestDecodeInvalid(t *testing.T) {
	processor := NewImageProcessor(8, false)
	if _, err := processor.DecodeAndPreprocess(strings.NewReader("not an image")); err == nil {
		t.Error("Expected error for invalid data")
	}
	if _, err := processor.DecodeFile(filepath.Join(t.TempDir(), "missing.png")); !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

// TestImageProcessorConcurrency tests that the shared buffers are safe to use concurrently
func TestImageProcessorConcurrency(t *testing.T) {
	processor := NewImageProcessor(16, false)
	data := createSolidPNG(20, 20, color.RGBA{10, 20, 30, 255})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
			if err != nil {
				errs <- err
				return
			}
			if math.Abs(float64(result.Data[0])-(10/127.5-1)) > 1e-6 {
				errs <- os.ErrInvalid
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent decode failed: %v", err)
	}
}

// rendezvousImage blocks pixel reads until every caller has started reading
type rendezvousImage struct {
	image.Image
	arrive   *sync.Once
	arrived  *sync.WaitGroup
	all      chan struct{}
	timedOut *atomic.Bool
}

func (r rendezvousImage) At(x, y int) color.Color {
	r.arrive.Do(r.arrived.Done)
	if r.timedOut.Load() {
		return r.Image.At(x, y)
	}
	select {
	case <-r.all:
	case <-time.After(2 * time.Second):
		r.timedOut.Store(true)
	}
	return r.Image.At(x, y)
}

// TestPreprocessRunsInParallel tests that concurrent callers resize at the same time
func TestPreprocessRunsInParallel(t *testing.T) {
	const callers = 2
	processor := NewImageProcessor(4, false)
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))

	var arrived sync.WaitGroup
	arrived.Add(callers)
	all := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		arrived.Wait()
		close(all)
	}()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		img := rendezvousImage{Image: src, arrive: &sync.Once{}, arrived: &arrived, all: all, timedOut: &timedOut}
		go func() {
			defer wg.Done()
			processor.Preprocess(img)
		}()
	}
	wg.Wait()

	if timedOut.Load() {
		t.Fatal("Preprocess calls were serialized")
	}
	if len(processor.scratch) != callers {
		t.Errorf("Expected %d idle scratch buffers, got %d", callers, len(processor.scratch))
	}

	processor.Preprocess(src)
	if len(processor.scratch) != callers {
		t.Errorf("Expected scratch buffers to be reused, got %d", len(processor.scratch))
	}
}

// TestToImageRoundTrip tests that normalized data converts back to the source pixels
func TestToImageRoundTrip(t *testing.T) {
	processor := NewImageProcessor(0, false)
	result, err := processor.DecodeAndPreprocess(bytes.NewReader(createSolidPNG(3, 3, color.RGBA{200, 100, 0, 255})))
	if err != nil {
		t.Fatal(err)
	}

	img, err := ToImage(result.Data, result.Channels, result.Height, result.Width)
	if err != nil {
		t.Fatalf("ToImage failed: %v", err)
	}
	r, g, b, _ := img.At(1, 1).RGBA()
	if r>>8 != 200 || g>>8 != 100 || b>>8 != 0 {
		t.Errorf("Expected (200,100,0), got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}
}

// TestToImageClampsAndValidates tests out-of-range values and bad shapes
func TestToImageClampsAndValidates(t *testing.T) {
	img, err := ToImage([]float32{-3, 3, float32(math.NaN()), 0}, 1, 2, 2)
	if err != nil {
		t.Fatalf("ToImage failed: %v", err)
	}
	gray := img.(*image.Gray)
	expected := []uint8{0, 255, 0, 128}
	for i, want := range expected {
		if gray.Pix[i] != want {
			t.Errorf("Pixel %d: expected %d, got %d", i, want, gray.Pix[i])
		}
	}

	if _, err := ToImage(make([]float32, 5), 1, 2, 2); err == nil {
		t.Error("Expected error for mismatched length")
	}
	if _, err := ToImage(make([]float32, 8), 2, 2, 2); err == nil {
		t.Error("Expected error for 2 channels")
	}
}

// TestTileAndSavePNG tests side-by-side composition written to disk
func TestTileAndSavePNG(t *testing.T) {
	left := image.NewGray(image.Rect(0, 0, 2, 3))
	right := image.NewRGBA(image.Rect(0, 0, 4, 2))
	tiled := Tile(left, right)

	if tiled.Bounds().Dx() != 6 || tiled.Bounds().Dy() != 3 {
		t.Errorf("Expected 6x3 tile, got %v", tiled.Bounds())
	}

	path := filepath.Join(t.TempDir(), "tile.png")
	if err := SavePNG(path, tiled); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("Saved file is not a PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 6 {
		t.Errorf("Expected width 6, got %d", decoded.Bounds().Dx())
	}
}
