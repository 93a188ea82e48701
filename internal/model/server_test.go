package model

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckShape(t *testing.T) {
	assert.NoError(t, checkShape([]int64{1, 3, 224, 224}, []int64{1, 3, 224, 224}))
	assert.NoError(t, checkShape([]int64{-1, 3, 224, 224}, []int64{1, 3, 224, 224}), "symbolic batch")

	assert.ErrorIs(t, checkShape([]int64{1, 3, 224, 224}, []int64{1, 224, 224, 3}), ErrShapeMismatch)
	assert.ErrorIs(t, checkShape([]int64{1, 3, 224, 224}, []int64{3, 224, 224}), ErrShapeMismatch)
	assert.ErrorIs(t, checkShape([]int64{1, 3, 224, 224}, []int64{1, 3, 299, 299}), ErrShapeMismatch)
}

func TestConcreteShape(t *testing.T) {
	assert.Equal(t, []int64{1, 1000}, concreteShape([]int64{-1, 1000}))
	assert.Equal(t, []int64{1, 3, 224, 224}, concreteShape([]int64{0, 3, 224, 224}))
}

func TestMetadataOutputWidth(t *testing.T) {
	assert.Equal(t, 1000, Metadata{OutputShape: []int64{1, 1000}}.OutputWidth())
	assert.Equal(t, 1000, Metadata{OutputShape: []int64{-1, 1000}}.OutputWidth())
}

func TestTensorNumElements(t *testing.T) {
	tensor := &Tensor{Shape: InputShape}
	assert.EqualValues(t, 3*224*224, tensor.NumElements())
	assert.Zero(t, (&Tensor{}).NumElements())
}

func TestNewServerMissingModel(t *testing.T) {
	_, err := NewServer(filepath.Join(t.TempDir(), "missing.onnx"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find model")
}

func TestInferRejectsWrongShapeBeforeRunning(t *testing.T) {
	// No session: the shape check must fail before the runtime is touched.
	s := &Server{Metadata: Metadata{OutputShape: []int64{1, 1000}}}

	_, err := s.Infer(context.Background(), &Tensor{Shape: []int64{1, 224, 224, 3}, Data: make([]float32, 3*224*224)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = s.Infer(context.Background(), &Tensor{Shape: InputShape, Data: make([]float32, 10)})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
