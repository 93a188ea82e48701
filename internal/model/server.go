package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrShapeMismatch is returned when a tensor does not fit the graph's
// declared input signature.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

type Options struct {
	// SharedLibraryPath points at libonnxruntime. Empty uses the library default.
	SharedLibraryPath string
	IntraOpThreads    int
	// Serialize forces one forward pass at a time.
	Serialize bool
}

// Server owns a CPU onnxruntime session for a single-input classification
// graph. Infer is safe for concurrent use: every call binds its own input
// and output tensors, and onnxruntime permits concurrent Run calls on one
// session. Set Options.Serialize to hold a lock around Run instead.
type Server struct {
	session   *ort.DynamicAdvancedSession
	Metadata  Metadata
	serialize bool
	mu        sync.Mutex
}

func NewServer(modelPath string, opts Options) (*Server, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("failed to find model: %w", err)
	}

	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s, err := newSession(modelPath, opts)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return s, nil
}

func newSession(modelPath string, opts Options) (*Server, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model signature: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model declares %d inputs, want 1", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.New("model declares no outputs")
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("model input %q has type %v, want float32: %w", in.Name, in.DataType, ErrShapeMismatch)
	}
	if err := checkShape(in.Dimensions, InputShape); err != nil {
		return nil, fmt.Errorf("model input %q: %w", in.Name, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	meta := Metadata{
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  concreteShape(in.Dimensions),
		OutputShape: concreteShape(out.Dimensions),
	}
	log.WithFields(log.Fields{
		"input":        meta.InputName,
		"input_shape":  meta.InputShape,
		"output":       meta.OutputName,
		"output_shape": meta.OutputShape,
	}).Debug("[Model] Session created")

	return &Server{
		session:   session,
		Metadata:  meta,
		serialize: opts.Serialize,
	}, nil
}

// Infer runs one forward pass and returns the first output flattened.
func (s *Server) Infer(ctx context.Context, t *Tensor) ([]float32, error) {
	if err := checkShape(InputShape, t.Shape); err != nil {
		return nil, err
	}
	if int64(len(t.Data)) != t.NumElements() {
		return nil, fmt.Errorf("%d values for shape %v: %w", len(t.Data), t.Shape, ErrShapeMismatch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if s.serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if err := s.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := output.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

func (s *Server) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// checkShape compares got against declared. Non-positive declared
// dimensions are symbolic and match any size.
func checkShape(declared, got []int64) error {
	if len(declared) != len(got) {
		return fmt.Errorf("rank %d, want %d (%v vs %v): %w", len(got), len(declared), got, declared, ErrShapeMismatch)
	}
	for i, d := range declared {
		if d > 0 && got[i] != d {
			return fmt.Errorf("dimension %d is %d, want %d (%v vs %v): %w", i, got[i], d, got, declared, ErrShapeMismatch)
		}
	}
	return nil
}

// concreteShape pins symbolic dimensions to 1, the only batch size served.
func concreteShape(dims []int64) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
