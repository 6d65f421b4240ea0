// Package fusion combines text and image embeddings into a single
// combined vector. All functions are pure and allocation-explicit.
package fusion

import "math"

const (
	// TextDim is the text embedding dimensionality.
	TextDim = 384
	// ImageDim is the image embedding dimensionality; the combined
	// vector shares it.
	ImageDim = 512
	// DefaultTextWeight is the text share of the combined vector.
	DefaultTextWeight = 0.6
)

// Normalize returns an L2-normalized copy of v. A zero vector is
// returned unchanged: queries against it rank everything near-equally,
// which is the deliberate no-signal fallback.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// ZeroImage returns an all-zero image-space vector.
func ZeroImage() []float32 {
	return make([]float32, ImageDim)
}

// Fuse combines a 384-dim text vector and a 512-dim image vector into a
// unit-norm 512-dim combined vector: the text vector is zero-padded to
// the image dimensionality, both are L2-normalized independently, summed
// with textWeight on the text side, and the sum is re-normalized.
//
// A text vector of unexpected length falls back to the image vector
// unchanged (normalized copy). A nil image vector is treated as zero, so
// the combined vector degrades to pure text signal.
func Fuse(text, image []float32, textWeight float64) []float32 {
	if image == nil {
		image = ZeroImage()
	}
	if len(text) != TextDim || len(image) != ImageDim {
		return Normalize(image)
	}

	padded := make([]float32, ImageDim)
	copy(padded, text)

	nt := Normalize(padded)
	ni := Normalize(image)

	w := float32(textWeight)
	out := make([]float32, ImageDim)
	for i := range out {
		out[i] = w*nt[i] + (1-w)*ni[i]
	}
	return Normalize(out)
}
