package facemesh

import "github.com/andresmejia3/facemesh/internal/types"

// The delegate passed to New may implement any subset of the receiver
// interfaces below. Methods it does not implement are skipped.
//
// All callbacks run on one goroutine, in frame submission order. The slices
// passed in belong to the callee once the call returns; the graph keeps no reference.

// MultiFaceGeometryReceiver gets the mesh and pose of every face in a frame.
type MultiFaceGeometryReceiver interface {
	DidReceiveMultiFaceGeometry(timestamp uint64, faces []types.FaceGeometry)
}

// LandmarksReceiver gets one landmark array per detected face.
type LandmarksReceiver interface {
	DidReceiveLandmarks(timestamp uint64, faces [][]types.LandmarkPoint)
}

// FaceRectsReceiver gets one normalized bounding box per detected face.
type FaceRectsReceiver interface {
	DidReceiveFaceRects(timestamp uint64, rects []types.NormalizedRect)
}

// SegmentationMaskReceiver gets the person mask from the selfie segmentation graph.
type SegmentationMaskReceiver interface {
	DidReceiveSegmentationMask(timestamp uint64, mask types.SegmentationMask)
}

// ErrorReceiver is told about frames the engine could not process.
type ErrorReceiver interface {
	DidFailFrame(timestamp uint64, err error)
}

// DelegateFuncs adapts plain functions to the receiver interfaces.
// Nil fields are skipped.
type DelegateFuncs struct {
	OnMultiFaceGeometry func(timestamp uint64, faces []types.FaceGeometry)
	OnLandmarks         func(timestamp uint64, faces [][]types.LandmarkPoint)
	OnFaceRects         func(timestamp uint64, rects []types.NormalizedRect)
	OnSegmentationMask  func(timestamp uint64, mask types.SegmentationMask)
	OnError             func(timestamp uint64, err error)
}

func (d DelegateFuncs) DidReceiveMultiFaceGeometry(ts uint64, faces []types.FaceGeometry) {
	if d.OnMultiFaceGeometry != nil {
		d.OnMultiFaceGeometry(ts, faces)
	}
}

func (d DelegateFuncs) DidReceiveLandmarks(ts uint64, faces [][]types.LandmarkPoint) {
	if d.OnLandmarks != nil {
		d.OnLandmarks(ts, faces)
	}
}

func (d DelegateFuncs) DidReceiveFaceRects(ts uint64, rects []types.NormalizedRect) {
	if d.OnFaceRects != nil {
		d.OnFaceRects(ts, rects)
	}
}

func (d DelegateFuncs) DidReceiveSegmentationMask(ts uint64, mask types.SegmentationMask) {
	if d.OnSegmentationMask != nil {
		d.OnSegmentationMask(ts, mask)
	}
}

func (d DelegateFuncs) DidFailFrame(ts uint64, err error) {
	if d.OnError != nil {
		d.OnError(ts, err)
	}
}
