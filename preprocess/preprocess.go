package preprocess

import (
	"errors"
	"image"

	"github.com/disintegration/imaging"
)

const (
	MinDimension = 32
	MaxDimension = 4096
)

var (
	ErrImageNil = errors.New("image is nil")
	ErrTooSmall = errors.New("image smaller than 32x32")
	ErrTooLarge = errors.New("image larger than 4096x4096")
)

// Tensor is an NHWC float32 array. Shape is (batch, height, width,
// channels) and Data holds the values row-major, scaled to [0,1].
type Tensor struct {
	Data  []float32
	Shape [4]int
}

func (t *Tensor) Batch() int { return t.Shape[0] }

func (t *Tensor) imageLen() int { return t.Shape[1] * t.Shape[2] * t.Shape[3] }

// Image returns the data slice of the i-th batch element.
func (t *Tensor) Image(i int) []float32 {
	n := t.imageLen()
	return t.Data[i*n : (i+1)*n]
}

type Preprocessor struct {
	width  int
	height int
}

func New(size int) *Preprocessor {
	if size <= 0 {
		size = 150
	}
	return &Preprocessor{width: size, height: size}
}

// Preprocess converts img into a (1, H, W, 3) tensor: Lanczos resize to
// the target size, alpha dropped, grayscale expanded to three channels,
// every value scaled from [0,255] to [0,1]. The pipeline has no
// randomness, so the same image always yields the same tensor.
func (p *Preprocessor) Preprocess(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, ErrImageNil
	}
	t := &Tensor{
		Data:  make([]float32, p.height*p.width*3),
		Shape: [4]int{1, p.height, p.width, 3},
	}
	p.fill(t.Data, img)
	return t, nil
}

// PreprocessBatch stacks N images into a single (N, H, W, 3) tensor.
// Each image is preprocessed independently; output order matches input
// order.
func (p *Preprocessor) PreprocessBatch(imgs []image.Image) (*Tensor, error) {
	n := p.height * p.width * 3
	t := &Tensor{
		Data:  make([]float32, len(imgs)*n),
		Shape: [4]int{len(imgs), p.height, p.width, 3},
	}
	for i, img := range imgs {
		if img == nil {
			return nil, ErrImageNil
		}
		p.fill(t.Data[i*n:(i+1)*n], img)
	}
	return t, nil
}

func (p *Preprocessor) fill(dst []float32, img image.Image) {
	// Resize returns NRGBA whatever the source color model, which also
	// covers the RGB conversion: grayscale expands to three identical
	// channels and the alpha channel is ignored below.
	resized := imaging.Resize(img, p.width, p.height, imaging.Lanczos)
	i := 0
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := resized.NRGBAAt(x, y)
			dst[i] = float32(c.R) / 255.0
			dst[i+1] = float32(c.G) / 255.0
			dst[i+2] = float32(c.B) / 255.0
			i += 3
		}
	}
}

// Validate reports whether img falls within the sane size bounds.
// Advisory only: Preprocess does not enforce it, callers decide.
func Validate(img image.Image) error {
	if img == nil {
		return ErrImageNil
	}
	b := img.Bounds()
	if b.Dx() < MinDimension || b.Dy() < MinDimension {
		return ErrTooSmall
	}
	if b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		return ErrTooLarge
	}
	return nil
}
