package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"time"

	"github.com/rikuo/intelscene/model"
	"github.com/rikuo/intelscene/preprocess"
)

// MaxBatchSize caps the number of uploads in one batch request. A larger
// batch is rejected wholesale before any item is processed.
const MaxBatchSize = 10

// Predictor is the part of the model runtime the service depends on.
// *model.Runtime satisfies it; tests substitute a fake.
type Predictor interface {
	IsLoaded() bool
	Classes() []string
	Predict(*preprocess.Tensor) ([]model.ClassScore, error)
}

// Upload is one file as received from the transport layer. ContentType
// is the declared type; the service never sniffs bytes.
type Upload struct {
	Filename    string
	ContentType string
	Reader      io.Reader
}

// Predictions is a label→confidence mapping that marshals as a JSON
// object with keys in slice order, i.e. descending confidence.
type Predictions []model.ClassScore

func (p Predictions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cs := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cs.Class)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(cs.Score)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type Result struct {
	Filename    string      `json:"filename"`
	Class       string      `json:"class"`
	Confidence  float32     `json:"confidence"`
	Predictions Predictions `json:"predictions"`
	Timestamp   string      `json:"timestamp,omitempty"`
}

// BatchItem is one slot of a batch response: either a classification
// result or an error record for that file, never both.
type BatchItem struct {
	Filename    string      `json:"filename"`
	Class       string      `json:"class,omitempty"`
	Confidence  float32     `json:"confidence,omitempty"`
	Predictions Predictions `json:"predictions,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type BatchResult struct {
	Total     int         `json:"total"`
	Results   []BatchItem `json:"results"`
	Timestamp string      `json:"timestamp"`
}

var acceptedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// Service orchestrates validate → decode → preprocess → predict → rank
// for single and batch uploads.
type Service struct {
	predictor Predictor
	pre       *preprocess.Preprocessor
	log       *slog.Logger
}

func New(predictor Predictor, pre *preprocess.Preprocessor) *Service {
	return &Service{predictor: predictor, pre: pre, log: slog.Default()}
}

// Classify runs the full pipeline on one upload. Any stage failure fails
// the whole request with a kinded error.
func (s *Service) Classify(up Upload) (*Result, error) {
	res, serr := s.classify(up)
	if serr != nil {
		s.logError(serr)
		return nil, serr
	}
	res.Timestamp = time.Now().Format(time.RFC3339)
	s.log.Info("prediction",
		slog.String("filename", res.Filename),
		slog.String("class", res.Class),
		slog.Float64("confidence", float64(res.Confidence)),
	)
	return res, nil
}

// ClassifyBatch processes up to MaxBatchSize uploads sequentially and
// independently: a failed item takes an error record in its slot while
// the rest continue. Result order matches input order.
func (s *Service) ClassifyBatch(ups []Upload) (*BatchResult, error) {
	if !s.predictor.IsLoaded() {
		serr := newError(KindModelNotLoaded, "", "model not loaded")
		s.logError(serr)
		return nil, serr
	}
	if len(ups) > MaxBatchSize {
		serr := newError(KindBatchSize, "", "maximum %d images per batch, got %d", MaxBatchSize, len(ups))
		s.logError(serr)
		return nil, serr
	}

	results := make([]BatchItem, 0, len(ups))
	for _, up := range ups {
		res, serr := s.classify(up)
		if serr != nil {
			s.logError(serr)
			results = append(results, BatchItem{Filename: up.Filename, Error: serr.Error()})
			continue
		}
		results = append(results, BatchItem{
			Filename:    res.Filename,
			Class:       res.Class,
			Confidence:  res.Confidence,
			Predictions: res.Predictions,
		})
	}

	return &BatchResult{
		Total:     len(results),
		Results:   results,
		Timestamp: time.Now().Format(time.RFC3339),
	}, nil
}

func (s *Service) classify(up Upload) (*Result, *Error) {
	if !s.predictor.IsLoaded() {
		return nil, newError(KindModelNotLoaded, up.Filename, "model not loaded")
	}
	if !acceptedTypes[up.ContentType] {
		return nil, newError(KindUnsupportedMedia, up.Filename,
			"invalid file type: %s, only JPEG and PNG are supported", up.ContentType)
	}

	img, format, err := image.Decode(up.Reader)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Filename: up.Filename, Err: fmt.Errorf("decode image: %w", err)}
	}
	bounds := img.Bounds()
	s.log.Info("processing image",
		slog.String("filename", up.Filename),
		slog.String("format", format),
		slog.Int("width", bounds.Dx()),
		slog.Int("height", bounds.Dy()),
	)
	if err := preprocess.Validate(img); err != nil {
		// advisory check, keep going
		s.log.Warn("image outside recommended bounds",
			slog.String("filename", up.Filename),
			slog.String("reason", err.Error()),
		)
	}

	tensor, err := s.pre.Preprocess(img)
	if err != nil {
		return nil, &Error{Kind: KindPreprocess, Filename: up.Filename, Err: fmt.Errorf("preprocess image: %w", err)}
	}

	scores, err := s.predictor.Predict(tensor)
	if err != nil {
		if errors.Is(err, model.ErrNotLoaded) {
			return nil, &Error{Kind: KindModelNotLoaded, Filename: up.Filename, Err: err}
		}
		return nil, &Error{Kind: KindInference, Filename: up.Filename, Err: err}
	}
	if len(scores) == 0 {
		return nil, &Error{Kind: KindInference, Filename: up.Filename, Err: fmt.Errorf("model returned no scores")}
	}

	top := scores[0]
	return &Result{
		Filename:    up.Filename,
		Class:       top.Class,
		Confidence:  top.Score,
		Predictions: Predictions(scores),
	}, nil
}

func (s *Service) logError(e *Error) {
	s.log.Error("request failed",
		slog.String("filename", e.Filename),
		slog.String("kind", string(e.Kind)),
		slog.String("error", e.Error()),
	)
}
