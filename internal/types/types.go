package types

import (
	"fmt"
	"strings"
)

// GraphType selects which processing graph the engine runs.
type GraphType uint8

const (
	// GraphFaceGeometry runs face mesh estimation and emits geometry, landmarks and face rects.
	GraphFaceGeometry GraphType = iota + 1
	// GraphSelfieSegmentation emits a per-pixel person mask.
	GraphSelfieSegmentation
)

func (g GraphType) String() string {
	switch g {
	case GraphFaceGeometry:
		return "face-geometry"
	case GraphSelfieSegmentation:
		return "selfie-segmentation"
	default:
		return fmt.Sprintf("graph(%d)", uint8(g))
	}
}

// Valid reports whether g is one of the known graph types.
func (g GraphType) Valid() bool {
	return g == GraphFaceGeometry || g == GraphSelfieSegmentation
}

// ParseGraphType accepts the CLI spelling of a graph type.
func ParseGraphType(s string) (GraphType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "face-geometry", "face_geometry", "facegeometry":
		return GraphFaceGeometry, nil
	case "selfie-segmentation", "selfie_segmentation", "selfiesegmentation", "segmentation":
		return GraphSelfieSegmentation, nil
	}
	return 0, fmt.Errorf("unknown graph type %q (want face-geometry or selfie-segmentation)", s)
}

// PixelFormat describes how Frame.Data is laid out.
type PixelFormat uint8

const (
	FormatJPEG PixelFormat = iota
	FormatRGBA
	FormatBGRA
)

// Frame is a single video frame owned by the caller.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Format PixelFormat
}

// FrameTask represents a single frame sent to an engine for processing
type FrameTask struct {
	Seq       uint64
	Timestamp uint64
	Graph     GraphType
	Frame     Frame
}

// Mesh is a triangulated face mesh. VertexBuffer holds VertexStride floats per vertex.
type Mesh struct {
	VertexBuffer []float32
	IndexBuffer  []uint32
}

// Matrix is a flattened matrix in column-major order.
type Matrix struct {
	Rows int32
	Cols int32
	Data []float32
}

// FaceGeometry pairs the canonical face mesh with its pose transform.
type FaceGeometry struct {
	Mesh                Mesh
	PoseTransformMatrix Matrix
}

type LandmarkPoint struct {
	X, Y, Z float32
}

// NormalizedRect is a rotated rectangle in [0,1] image coordinates. Rotation is in radians.
type NormalizedRect struct {
	XCenter  float32
	YCenter  float32
	Height   float32
	Width    float32
	Rotation float32
}

// SegmentationMask holds one confidence value per pixel, row-major.
type SegmentationMask struct {
	Width  int
	Height int
	Data   []float32
}

// Face is everything the face geometry graph reports for one detected face.
type Face struct {
	Landmarks []LandmarkPoint
	Rect      NormalizedRect
	Geometry  FaceGeometry
}

// GraphOutput is the decoded engine response for one frame.
// Faces is set by the face geometry graph, Mask by the segmentation graph.
type GraphOutput struct {
	Graph GraphType
	Faces []Face
	Mask  *SegmentationMask
}
