package model

// Input geometry expected by the classification graph.
const (
	Channels    = 3
	ImageHeight = 224
	ImageWidth  = 224
)

// InputShape is the NCHW shape every preprocessed tensor must carry.
var InputShape = []int64{1, Channels, ImageHeight, ImageWidth}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NumElements returns the product of the tensor's dimensions.
func (t *Tensor) NumElements() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Metadata describes the loaded graph's declared input and output.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
}

// OutputWidth is the number of scores one forward pass produces.
func (m Metadata) OutputWidth() int {
	n := 1
	for _, d := range m.OutputShape {
		if d > 0 {
			n *= int(d)
		}
	}
	return n
}

type AnalyzeResponse struct {
	Filename      string    `json:"filename"`
	Vector        []float32 `json:"vector"`
	SuggestedTags []string  `json:"suggested_tags"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
