package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // registers the JPEG decoder
	"image/png"
	"io"
	"os"
	"sync"
)

// ImageProcessor decodes images and converts them to network input with
// buffer reuse
type ImageProcessor struct {
	mu         sync.Mutex
	scratch    []*scratchBuffers // Idle buffers, one per concurrent caller at most
	targetSize int               // 0 keeps the source size
	grayscale  bool
}

// scratchBuffers are the resize target and CHW staging area of one call
type scratchBuffers struct {
	tempImageBuffer *image.RGBA
	processBuffer   []float32
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images with 3 channels, or 1 when grayscale is set
func NewImageProcessor(targetSize int, grayscale bool) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		grayscale:  grayscale,
	}
}

// Channels returns the number of channels the processor emits
func (p *ImageProcessor) Channels() int {
	if p.grayscale {
		return 1
	}
	return 3
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Shape returns the CHW shape of the image
func (pi *ProcessedImage) Shape() []int {
	return []int{pi.Channels, pi.Height, pi.Width}
}

// DecodeAndPreprocess decodes a JPEG or PNG image and returns it in CHW
// layout normalized to [-1, 1]
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img), nil
}

// DecodeFile is DecodeAndPreprocess for a file on disk
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	processed, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return processed, nil
}

// Preprocess resizes img by nearest sampling and converts it to CHW floats
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	outW, outH := width, height
	if p.targetSize > 0 {
		outW, outH = p.targetSize, p.targetSize
	}

	buf := p.acquire()
	defer p.release(buf)

	// Reuse image buffer
	if buf.tempImageBuffer == nil || buf.tempImageBuffer.Bounds().Dx() != outW || buf.tempImageBuffer.Bounds().Dy() != outH {
		buf.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, outW, outH))
	}
	targetImg := buf.tempImageBuffer

	scaleX := float64(width) / float64(outW)
	scaleY := float64(height) / float64(outH)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}
			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	channels := p.Channels()
	plane := outW * outH
	requiredSize := channels * plane
	if len(buf.processBuffer) < requiredSize {
		buf.processBuffer = make([]float32, requiredSize)
	}
	data := buf.processBuffer[:requiredSize]

	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			idx := y*outW + x
			c := targetImg.RGBAAt(x, y)
			if p.grayscale {
				gray := color.GrayModel.Convert(c).(color.Gray)
				data[idx] = normalize(gray.Y)
				continue
			}
			data[0*plane+idx] = normalize(c.R)
			data[1*plane+idx] = normalize(c.G)
			data[2*plane+idx] = normalize(c.B)
		}
	}

	// Copy out of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    outW,
		Height:   outH,
		Channels: channels,
	}
}

// acquire hands out idle scratch buffers; only the handoff is locked so
// concurrent callers resize and convert in parallel
func (p *ImageProcessor) acquire() *scratchBuffers {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.scratch); n > 0 {
		buf := p.scratch[n-1]
		p.scratch = p.scratch[:n-1]
		return buf
	}
	return &scratchBuffers{}
}

func (p *ImageProcessor) release(buf *scratchBuffers) {
	p.mu.Lock()
	p.scratch = append(p.scratch, buf)
	p.mu.Unlock()
}

func normalize(v uint8) float32 {
	return float32(v)/127.5 - 1
}

func denormalize(v float32) uint8 {
	if v != v { // NaN
		return 0
	}
	scaled := (v + 1) * 127.5
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return uint8(scaled + 0.5)
	}
}

// ToImage converts CHW data in [-1, 1] back to an image. Values outside
// the range are clamped.
func ToImage(data []float32, channels, height, width int) (image.Image, error) {
	plane := height * width
	if len(data) != channels*plane {
		return nil, fmt.Errorf("data length %d does not match shape [%d %d %d]", len(data), channels, height, width)
	}

	switch channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			img.Pix[i] = denormalize(data[i])
		}
		return img, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			img.Pix[4*i+0] = denormalize(data[i])
			img.Pix[4*i+1] = denormalize(data[plane+i])
			img.Pix[4*i+2] = denormalize(data[2*plane+i])
			img.Pix[4*i+3] = 255
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
}

// Tile places images side by side, top aligned
func Tile(images ...image.Image) image.Image {
	width, height := 0, 0
	for _, img := range images {
		width += img.Bounds().Dx()
		if h := img.Bounds().Dy(); h > height {
			height = h
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, img := range images {
		b := img.Bounds()
		draw.Draw(out, image.Rect(x, 0, x+b.Dx(), b.Dy()), img, b.Min, draw.Src)
		x += b.Dx()
	}
	return out
}

// SavePNG writes img to path
func SavePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}
