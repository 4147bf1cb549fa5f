package types

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// VertexStride is the number of floats per mesh vertex: x, y, z, u, v.
const VertexStride = 5

// Validate checks that Data matches the declared shape.
func (m Matrix) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("matrix has negative shape %dx%d", m.Rows, m.Cols)
	}
	if want := int(m.Rows) * int(m.Cols); len(m.Data) != want {
		return fmt.Errorf("matrix %dx%d has %d values, want %d", m.Rows, m.Cols, len(m.Data), want)
	}
	return nil
}

// At returns the element at row r, column c.
func (m Matrix) At(r, c int) float32 {
	return m.Data[c*int(m.Rows)+r]
}

// Dense converts the matrix to a gonum dense matrix.
func (m Matrix) Dense() (*mat.Dense, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Rows == 0 || m.Cols == 0 {
		return nil, fmt.Errorf("matrix is empty")
	}
	d := mat.NewDense(int(m.Rows), int(m.Cols), nil)
	for r := 0; r < int(m.Rows); r++ {
		for c := 0; c < int(m.Cols); c++ {
			d.Set(r, c, float64(m.At(r, c)))
		}
	}
	return d, nil
}

// VertexCount returns the number of complete vertices in the buffer.
func (m Mesh) VertexCount() int {
	return len(m.VertexBuffer) / VertexStride
}

// Validate checks the vertex stride and that every index refers to a vertex.
func (m Mesh) Validate() error {
	if len(m.VertexBuffer)%VertexStride != 0 {
		return fmt.Errorf("vertex buffer length %d is not a multiple of %d", len(m.VertexBuffer), VertexStride)
	}
	n := uint32(m.VertexCount())
	for i, idx := range m.IndexBuffer {
		if idx >= n {
			return fmt.Errorf("index %d at position %d out of range (%d vertices)", idx, i, n)
		}
	}
	return nil
}

// Positions returns the x, y, z of every vertex.
func (m Mesh) Positions() [][3]float32 {
	out := make([][3]float32, m.VertexCount())
	for i := range out {
		base := i * VertexStride
		out[i] = [3]float32{m.VertexBuffer[base], m.VertexBuffer[base+1], m.VertexBuffer[base+2]}
	}
	return out
}

// TransformedPositions applies the 4x4 pose transform to the mesh positions,
// moving them from the canonical face space into camera space.
func (g FaceGeometry) TransformedPositions() ([][3]float64, error) {
	if g.PoseTransformMatrix.Rows != 4 || g.PoseTransformMatrix.Cols != 4 {
		return nil, fmt.Errorf("pose transform must be 4x4, got %dx%d", g.PoseTransformMatrix.Rows, g.PoseTransformMatrix.Cols)
	}
	pose, err := g.PoseTransformMatrix.Dense()
	if err != nil {
		return nil, err
	}
	if err := g.Mesh.Validate(); err != nil {
		return nil, err
	}

	pos := g.Mesh.Positions()
	if len(pos) == 0 {
		return nil, nil
	}

	// Homogeneous coordinates, one vertex per column.
	h := mat.NewDense(4, len(pos), nil)
	for i, p := range pos {
		h.Set(0, i, float64(p[0]))
		h.Set(1, i, float64(p[1]))
		h.Set(2, i, float64(p[2]))
		h.Set(3, i, 1)
	}

	var res mat.Dense
	res.Mul(pose, h)

	out := make([][3]float64, len(pos))
	for i := range out {
		w := res.At(3, i)
		if w == 0 {
			w = 1
		}
		out[i] = [3]float64{res.At(0, i) / w, res.At(1, i) / w, res.At(2, i) / w}
	}
	return out, nil
}

// Centroid returns the mean camera-space position of the posed mesh.
// ok is false for a mesh with no vertices.
func (g FaceGeometry) Centroid() (c [3]float64, ok bool, err error) {
	pos, err := g.TransformedPositions()
	if err != nil || len(pos) == 0 {
		return c, false, err
	}
	for _, p := range pos {
		c[0] += p[0]
		c[1] += p[1]
		c[2] += p[2]
	}
	n := float64(len(pos))
	return [3]float64{c[0] / n, c[1] / n, c[2] / n}, true, nil
}

// RectFromLandmarks returns the axis-aligned bounds of the landmarks, clamped to the unit square.
func RectFromLandmarks(points []LandmarkPoint) NormalizedRect {
	if len(points) == 0 {
		return NormalizedRect{}
	}
	minX, minY := float32(math.MaxFloat32), float32(math.MaxFloat32)
	maxX, maxY := -float32(math.MaxFloat32), -float32(math.MaxFloat32)
	for _, p := range points {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	minX, maxX = clamp01(minX), clamp01(maxX)
	minY, maxY = clamp01(minY), clamp01(maxY)
	return NormalizedRect{
		XCenter: (minX + maxX) / 2,
		YCenter: (minY + maxY) / 2,
		Width:   maxX - minX,
		Height:  maxY - minY,
	}
}

func clamp01(v float32) float32 {
	return max(0, min(1, v))
}

// Validate checks that the mask holds exactly one value per pixel.
func (m SegmentationMask) Validate() error {
	if m.Width < 0 || m.Height < 0 {
		return fmt.Errorf("mask has negative size %dx%d", m.Width, m.Height)
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("mask %dx%d has %d values", m.Width, m.Height, len(m.Data))
	}
	return nil
}

// Coverage returns the fraction of pixels whose confidence is at least threshold.
func (m SegmentationMask) Coverage(threshold float32) float64 {
	if len(m.Data) == 0 {
		return 0
	}
	n := 0
	for _, v := range m.Data {
		if v >= threshold {
			n++
		}
	}
	return float64(n) / float64(len(m.Data))
}
