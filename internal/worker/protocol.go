package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/andresmejia3/facemesh/internal/types"
)

// MaxMessageSize caps a single framed message in either direction.
const MaxMessageSize = 64 * 1024 * 1024

const (
	statusOK    byte = 0
	statusError byte = 1
)

// EngineError is a logic error reported by the graph engine for one frame.
// The engine stays usable after returning one.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return "graph engine error: " + e.Message
}

// ErrTruncated means a response body ended before all declared fields were read.
var ErrTruncated = errors.New("truncated engine response")

// WriteMessage frames body as [Length][Data].
func WriteMessage(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(body))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMessage reads one [Length][Data] frame.
func ReadMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > MaxMessageSize {
		return nil, fmt.Errorf("engine announced %d byte message, limit is %d", n, MaxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeRequest builds the request body for one frame.
// Layout: graph u8 | timestamp u64 | width u32 | height u32 | format u8 | data
func EncodeRequest(task types.FrameTask) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 18+len(task.Frame.Data)))
	buf.WriteByte(byte(task.Graph))
	binary.Write(buf, binary.BigEndian, task.Timestamp)
	binary.Write(buf, binary.BigEndian, uint32(task.Frame.Width))
	binary.Write(buf, binary.BigEndian, uint32(task.Frame.Height))
	buf.WriteByte(byte(task.Frame.Format))
	buf.Write(task.Frame.Data)
	return buf.Bytes()
}

// DecodeRequest is the inverse of EncodeRequest. The frame data aliases body.
func DecodeRequest(body []byte) (types.FrameTask, error) {
	if len(body) < 18 {
		return types.FrameTask{}, ErrTruncated
	}
	return types.FrameTask{
		Graph:     types.GraphType(body[0]),
		Timestamp: binary.BigEndian.Uint64(body[1:9]),
		Frame: types.Frame{
			Width:  int(binary.BigEndian.Uint32(body[9:13])),
			Height: int(binary.BigEndian.Uint32(body[13:17])),
			Format: types.PixelFormat(body[17]),
			Data:   body[18:],
		},
	}, nil
}

// EncodeResponse builds a successful response body for out.
func EncodeResponse(out *types.GraphOutput) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(statusOK)

	switch out.Graph {
	case types.GraphSelfieSegmentation:
		mask := out.Mask
		if mask == nil {
			mask = &types.SegmentationMask{}
		}
		binary.Write(buf, binary.BigEndian, uint32(mask.Width))
		binary.Write(buf, binary.BigEndian, uint32(mask.Height))
		binary.Write(buf, binary.BigEndian, mask.Data)
	default:
		binary.Write(buf, binary.BigEndian, uint32(len(out.Faces)))
		for _, f := range out.Faces {
			binary.Write(buf, binary.BigEndian, uint32(len(f.Landmarks)))
			for _, p := range f.Landmarks {
				binary.Write(buf, binary.BigEndian, [3]float32{p.X, p.Y, p.Z})
			}
			r := f.Rect
			binary.Write(buf, binary.BigEndian, [5]float32{r.XCenter, r.YCenter, r.Height, r.Width, r.Rotation})

			g := f.Geometry
			binary.Write(buf, binary.BigEndian, uint32(len(g.Mesh.VertexBuffer)))
			binary.Write(buf, binary.BigEndian, g.Mesh.VertexBuffer)
			binary.Write(buf, binary.BigEndian, uint32(len(g.Mesh.IndexBuffer)))
			binary.Write(buf, binary.BigEndian, g.Mesh.IndexBuffer)
			binary.Write(buf, binary.BigEndian, g.PoseTransformMatrix.Rows)
			binary.Write(buf, binary.BigEndian, g.PoseTransformMatrix.Cols)
			binary.Write(buf, binary.BigEndian, g.PoseTransformMatrix.Data)
		}
	}
	return buf.Bytes()
}

// EncodeErrorResponse builds a status-error response body.
func EncodeErrorResponse(msg string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(statusError)
	binary.Write(buf, binary.BigEndian, uint32(len(msg)))
	buf.WriteString(msg)
	return buf.Bytes()
}

// decoder reads big-endian fields and turns short reads into ErrTruncated.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b) {
		d.err = ErrTruncated
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i32() int32 {
	return int32(d.u32())
}

func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

// count reads a length prefix and checks that count*elemSize bytes remain,
// so a corrupt header cannot trigger a huge allocation.
func (d *decoder) count(elemSize int) int {
	n := d.u32()
	if d.err == nil && uint64(n)*uint64(elemSize) > uint64(len(d.b)) {
		d.err = ErrTruncated
	}
	if d.err != nil {
		return 0
	}
	return int(n)
}

func (d *decoder) f32s(n int) []float32 {
	raw := d.take(n * 4)
	if raw == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
	}
	return out
}

func (d *decoder) u32s(n int) []uint32 {
	raw := d.take(n * 4)
	if raw == nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return out
}

// DecodeResponse parses a response body for the given graph.
// A status-error body yields an *EngineError.
func DecodeResponse(graph types.GraphType, body []byte) (*types.GraphOutput, error) {
	d := &decoder{b: body}
	switch status := d.u8(); {
	case d.err != nil:
		return nil, d.err
	case status == statusError:
		n := d.count(1)
		msg := d.take(n)
		if d.err != nil {
			return nil, d.err
		}
		return nil, &EngineError{Message: string(msg)}
	case status != statusOK:
		return nil, fmt.Errorf("unknown engine status byte %d", status)
	}

	out := &types.GraphOutput{Graph: graph}
	switch graph {
	case types.GraphFaceGeometry:
		numFaces := d.count(1)
		out.Faces = make([]types.Face, 0, numFaces)
		for i := 0; i < numFaces && d.err == nil; i++ {
			out.Faces = append(out.Faces, decodeFace(d))
		}
	case types.GraphSelfieSegmentation:
		w, h := d.u32(), d.u32()
		switch {
		case d.err != nil:
		case w > math.MaxInt32 || h > math.MaxInt32:
			d.err = fmt.Errorf("mask shape %dx%d out of range", w, h)
		case uint64(w)*uint64(h) > uint64(len(d.b))/4:
			d.err = ErrTruncated
		}
		if d.err != nil {
			return nil, d.err
		}
		out.Mask = &types.SegmentationMask{Width: int(w), Height: int(h), Data: d.f32s(int(w) * int(h))}
	default:
		return nil, fmt.Errorf("cannot decode output of %v", graph)
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes in engine response", len(d.b))
	}
	return out, nil
}

func decodeFace(d *decoder) types.Face {
	var f types.Face

	n := d.count(12)
	raw := d.f32s(n * 3)
	if raw != nil {
		f.Landmarks = make([]types.LandmarkPoint, n)
		for i := range f.Landmarks {
			f.Landmarks[i] = types.LandmarkPoint{X: raw[i*3], Y: raw[i*3+1], Z: raw[i*3+2]}
		}
	}

	f.Rect = types.NormalizedRect{
		XCenter:  d.f32(),
		YCenter:  d.f32(),
		Height:   d.f32(),
		Width:    d.f32(),
		Rotation: d.f32(),
	}

	f.Geometry.Mesh.VertexBuffer = d.f32s(d.count(4))
	f.Geometry.Mesh.IndexBuffer = d.u32s(d.count(4))

	rows, cols := d.i32(), d.i32()
	if d.err == nil && (rows < 0 || cols < 0) {
		d.err = fmt.Errorf("negative pose matrix shape %dx%d", rows, cols)
	}
	if d.err == nil && int(rows)*int(cols)*4 > len(d.b) {
		d.err = ErrTruncated
	}
	f.Geometry.PoseTransformMatrix = types.Matrix{Rows: rows, Cols: cols}
	if d.err == nil {
		f.Geometry.PoseTransformMatrix.Data = d.f32s(int(rows) * int(cols))
	}
	return f
}
