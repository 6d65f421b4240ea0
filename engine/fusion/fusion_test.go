package fusion

import (
	"math"
	"testing"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestNormalizeUnitNorm(t *testing.T) {
	v := []float32{3, 4}
	got := Normalize(v)
	if math.Abs(norm(got)-1) > 1e-6 {
		t.Fatalf("norm = %f, want 1", norm(got))
	}
	if v[0] != 3 {
		t.Fatal("Normalize must not mutate its input")
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	got := Normalize(make([]float32, 8))
	for i, x := range got {
		if x != 0 {
			t.Fatalf("index %d = %f, want 0", i, x)
		}
	}
}

func TestFuseUnitNorm(t *testing.T) {
	text := make([]float32, TextDim)
	image := make([]float32, ImageDim)
	for i := range text {
		text[i] = float32(i%7) - 3
	}
	for i := range image {
		image[i] = float32(i%5) - 2
	}

	got := Fuse(text, image, DefaultTextWeight)
	if len(got) != ImageDim {
		t.Fatalf("len = %d, want %d", len(got), ImageDim)
	}
	if math.Abs(norm(got)-1) > 1e-5 {
		t.Fatalf("norm = %f, want 1", norm(got))
	}
}

func TestFuseWrongTextLengthFallsBackToImage(t *testing.T) {
	text := make([]float32, 100)
	image := make([]float32, ImageDim)
	image[0] = 2

	got := Fuse(text, image, DefaultTextWeight)
	if got[0] != 1 {
		t.Fatalf("got[0] = %f, want normalized image vector", got[0])
	}
}

func TestFuseNilImageIsTextOnly(t *testing.T) {
	text := make([]float32, TextDim)
	text[0] = 5

	got := Fuse(text, nil, DefaultTextWeight)
	if len(got) != ImageDim {
		t.Fatalf("len = %d, want %d", len(got), ImageDim)
	}
	if math.Abs(float64(got[0])-1) > 1e-6 {
		t.Fatalf("got[0] = %f, want 1 (pure text signal)", got[0])
	}
	for i := TextDim; i < ImageDim; i++ {
		if got[i] != 0 {
			t.Fatalf("padding index %d = %f, want 0", i, got[i])
		}
	}
}

func TestFuseTextWeightExtremes(t *testing.T) {
	text := make([]float32, TextDim)
	text[0] = 1
	image := make([]float32, ImageDim)
	image[1] = 1

	pureText := Fuse(text, image, 1.0)
	if math.Abs(float64(pureText[0])-1) > 1e-6 || pureText[1] != 0 {
		t.Fatalf("weight 1.0 should yield pure text: %v %v", pureText[0], pureText[1])
	}

	pureImage := Fuse(text, image, 0.0)
	if math.Abs(float64(pureImage[1])-1) > 1e-6 || pureImage[0] != 0 {
		t.Fatalf("weight 0.0 should yield pure image: %v %v", pureImage[0], pureImage[1])
	}
}
