package model

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/rikuo/intelscene/preprocess"
)

// Classes is the fixed label set, in the order the model was trained
// against. The order also decides ties in ranked output.
var Classes = []string{"buildings", "forest", "glacier", "mountain", "sea", "street"}

const DefaultTopK = 3

var ErrNotLoaded = errors.New("model not loaded")

type ClassScore struct {
	Class string  `json:"class"`
	Score float32 `json:"score"`
}

// Runtime owns the ONNX session and the tensors bound to it. It is
// constructed once at startup and read-only afterwards; runs are
// serialized because the bound tensors are shared.
type Runtime struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
	loaded  bool
}

// New loads the ONNX artifact at modelPath and binds a (1, size, size, 3)
// input tensor to it. It returns either a fully usable Runtime or an
// error, never a partially loaded one.
func New(modelPath string, size int) (*Runtime, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model has no inputs or outputs")
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(size), int64(size), 3), make([]float32, size*size*3))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(Classes))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}

	return &Runtime{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		size:    size,
		loaded:  true,
	}, nil
}

func (r *Runtime) IsLoaded() bool { return r != nil && r.loaded }

// Classes returns the fixed label set; stable for the process lifetime.
func (r *Runtime) Classes() []string {
	out := make([]string, len(Classes))
	copy(out, Classes)
	return out
}

// Predict runs the forward pass on the first element of t's batch and
// returns every class with its confidence, sorted by descending score.
func (r *Runtime) Predict(t *preprocess.Tensor) ([]ClassScore, error) {
	if !r.IsLoaded() {
		return nil, ErrNotLoaded
	}
	if t == nil || t.Batch() < 1 {
		return nil, fmt.Errorf("input tensor has empty batch")
	}
	if t.Shape[1] != r.size || t.Shape[2] != r.size || t.Shape[3] != 3 {
		return nil, fmt.Errorf("input tensor shape %v does not match model input (1, %d, %d, 3)", t.Shape, r.size, r.size)
	}

	r.mu.Lock()
	copy(r.input.GetData(), t.Image(0))
	if err := r.session.Run(); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	probs := make([]float32, len(Classes))
	copy(probs, r.output.GetData())
	r.mu.Unlock()

	return rank(Classes, probs), nil
}

// PredictTopK returns the first k entries of Predict's ranked output.
// k <= 0 falls back to DefaultTopK.
func (r *Runtime) PredictTopK(t *preprocess.Tensor, k int) ([]ClassScore, error) {
	scores, err := r.Predict(t)
	if err != nil {
		return nil, err
	}
	return topK(scores, k), nil
}

func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.input != nil {
		r.input.Destroy()
	}
	if r.output != nil {
		r.output.Destroy()
	}
	if r.session != nil {
		r.session.Destroy()
	}
	r.loaded = false
}

// rank pairs each class with its score and sorts by descending score.
// The sort is stable so exactly equal scores keep label-set order.
func rank(classes []string, scores []float32) []ClassScore {
	ranked := make([]ClassScore, len(classes))
	for i, class := range classes {
		ranked[i] = ClassScore{Class: class, Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func topK(scores []ClassScore, k int) []ClassScore {
	if k <= 0 {
		k = DefaultTopK
	}
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k]
}
