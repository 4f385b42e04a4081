package model

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func pageTestQuad() Quad {
	return NewQuad(0, 0, 0, 480, 640, 480, 640, 0)
}

func TestQuadPerspectiveRoundtrip(t *testing.T) {
	homography := mat.NewDense(3, 3, []float64{
		1.2, 0.1, 30,
		-0.05, 0.9, 10,
		0.0001, 0.0002, 1,
	})

	var inverse mat.Dense
	if err := inverse.Inverse(homography); err != nil {
		t.Fatalf("failed to invert homography: %v", err)
	}

	quad := pageTestQuad()
	roundtrip := quad.Perspective(homography).Perspective(&inverse)

	original := []float64{quad.X1, quad.Y1, quad.X2, quad.Y2, quad.X3, quad.Y3, quad.X4, quad.Y4}
	result := []float64{roundtrip.X1, roundtrip.Y1, roundtrip.X2, roundtrip.Y2,
		roundtrip.X3, roundtrip.Y3, roundtrip.X4, roundtrip.Y4}

	for i := range original {
		if math.Abs(original[i]-result[i]) > 1e-6 {
			t.Fatalf("vertex component %d: got %v, want %v", i, result[i], original[i])
		}
	}
}

func TestQuadPerspectiveNil(t *testing.T) {
	quad := pageTestQuad().Perspective(nil)

	if quad.X3 != 0 || quad.Y3 != 0 {
		t.Fatalf("nil homography should sink the quad into the origin, got %v", quad)
	}
}

func TestQuadConvexClockwise(t *testing.T) {
	quad := pageTestQuad()

	if !quad.ConvexClockwise() {
		t.Fatal("page quad should be convex clockwise")
	}

	if quad.Area() < 0 {
		t.Fatalf("convex clockwise quad should have non-negative area, got %v", quad.Area())
	}

	// 逆时针顶点顺序
	counterclockwise := NewQuad(0, 0, 640, 0, 640, 480, 0, 480)
	if counterclockwise.ConvexClockwise() {
		t.Fatal("counterclockwise quad reported as convex clockwise")
	}

	// 蝴蝶结形（自交）
	bowtie := NewQuad(0, 0, 640, 480, 0, 480, 640, 0)
	if bowtie.ConvexClockwise() {
		t.Fatal("self-intersecting quad reported as convex clockwise")
	}
}

func TestQuadInside(t *testing.T) {
	quad := pageTestQuad()

	vertices := [][2]float64{
		{quad.X1, quad.Y1}, {quad.X2, quad.Y2}, {quad.X3, quad.Y3}, {quad.X4, quad.Y4},
	}

	for i, v := range vertices {
		if !quad.Inside(v[0], v[1]) {
			t.Fatalf("vertex %d should be inside the quad", i+1)
		}
	}

	if !quad.Inside(320, 240) {
		t.Fatal("center should be inside the quad")
	}

	if quad.Inside(-10, 240) || quad.Inside(320, 500) {
		t.Fatal("points beyond the edges should be outside the quad")
	}
}

func TestQuadDeviation(t *testing.T) {
	quad := pageTestQuad()

	translated := NewQuad(3, 4, 3, 484, 643, 484, 643, 4)
	deviation, deformation := quad.Deviation(translated)

	if math.Abs(deviation-5) > 1e-9 {
		t.Fatalf("pure translation by (3, 4) should deviate by 5, got %v", deviation)
	}
	if math.Abs(deformation) > 1e-9 {
		t.Fatalf("pure translation should not deform, got %v", deformation)
	}

	// 只移动一个顶点
	warped := NewQuad(8, 0, 0, 480, 640, 480, 640, 0)
	deviation, deformation = quad.Deviation(warped)

	if math.Abs(deviation-2) > 1e-9 {
		t.Fatalf("single corner displacement of 8 should deviate by 2, got %v", deviation)
	}
	if math.Abs(deformation-6) > 1e-9 {
		t.Fatalf("single corner displacement of 8 should deform by 6, got %v", deformation)
	}
}
