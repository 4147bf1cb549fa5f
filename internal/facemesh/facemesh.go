// Package facemesh is a delegate-based facade over an external face mesh /
// selfie segmentation graph. Callers construct it for one graph type, start
// it, and push frames; results come back through optional delegate methods.
package facemesh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/andresmejia3/facemesh/internal/worker"
	"github.com/zeromicro/go-zero/core/logx"
)

const megabyte = 1024 * 1024

// Buffer pool to reduce GC pressure while frames wait in the queue
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

type options struct {
	engines   int
	queueSize int
	factory   worker.Factory
}

// Option configures a FaceMesh.
type Option func(*options)

// WithEngines sets how many engine processes run frames in parallel.
func WithEngines(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.engines = n
		}
	}
}

// WithQueueSize sets how many submitted frames may wait for an engine
// before ProcessVideoFrame blocks.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithEngineFactory replaces the default engine process launcher.
func WithEngineFactory(f worker.Factory) Option {
	return func(o *options) {
		if f != nil {
			o.factory = f
		}
	}
}

// WithEngineConfig launches the default process engine with cfg.
func WithEngineConfig(cfg worker.Config) Option {
	return WithEngineFactory(worker.NewFactory(cfg))
}

// Stats counts delivered frames.
type Stats struct {
	Submitted uint64
	Delivered uint64
	Failed    uint64
	Faces     uint64
}

// FaceMesh wraps one processing graph.
type FaceMesh struct {
	graph    types.GraphType
	delegate any
	opts     options

	// submitMu serializes submitters and Close around the task channel.
	// mu guards the fields below; it is not held while a frame waits for queue space.
	submitMu      sync.Mutex
	mu            sync.Mutex
	state         state
	timestamp     uint64
	lastTimestamp uint64
	submittedAny  bool
	nextSeq       uint64

	ctx     context.Context
	cancel  context.CancelFunc
	engines []worker.Engine
	tasks   chan types.FrameTask
	results chan frameResult
	wg      sync.WaitGroup
	aggDone chan struct{}

	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	faces     atomic.Uint64
}

type frameResult struct {
	seq       uint64
	timestamp uint64
	out       *types.GraphOutput
	err       error
}

// New creates a facade for graph. delegate may be nil or implement any of
// the receiver interfaces in delegate.go.
func New(graph types.GraphType, delegate any, opts ...Option) (*FaceMesh, error) {
	if !graph.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGraphType, graph)
	}
	o := options{engines: 1, queueSize: 1, factory: worker.NewFactory(worker.Config{})}
	for _, opt := range opts {
		opt(&o)
	}
	return &FaceMesh{graph: graph, delegate: delegate, opts: o}, nil
}

// Graph returns the configured graph type.
func (f *FaceMesh) Graph() types.GraphType {
	return f.graph
}

// Timestamp returns the timestamp the next submitted frame will carry.
func (f *FaceMesh) Timestamp() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestamp
}

// SetTimestamp sets the timestamp for the next submitted frame. It must be
// greater than the timestamp of the previous frame.
func (f *FaceMesh) SetTimestamp(ts uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timestamp = ts
}

// StartGraph launches the engines and the delivery loop. Engines live until
// Close is called or ctx is cancelled.
func (f *FaceMesh) StartGraph(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateRunning:
		return ErrGraphStarted
	case stateClosed:
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	engines := make([]worker.Engine, 0, f.opts.engines)
	for i := 0; i < f.opts.engines; i++ {
		e, err := f.opts.factory(runCtx, i, f.graph)
		if err != nil {
			for _, started := range engines {
				started.Close()
			}
			cancel()
			return fmt.Errorf("start engine %d: %w", i, err)
		}
		engines = append(engines, e)
	}

	f.ctx, f.cancel = runCtx, cancel
	f.engines = engines
	f.tasks = make(chan types.FrameTask, f.opts.queueSize)
	f.results = make(chan frameResult, f.opts.engines*2)
	f.aggDone = make(chan struct{})

	// Must run concurrently to prevent deadlock on results
	go func() {
		f.deliverResults()
		close(f.aggDone)
	}()

	for _, e := range engines {
		f.wg.Add(1)
		go func(e worker.Engine) {
			defer f.wg.Done()
			f.runEngine(e)
		}(e)
	}

	f.state = stateRunning
	logx.Infof("facemesh graph started, graph=%s, engines=%d", f.graph, len(engines))
	return nil
}

// ProcessVideoFrame submits one frame. The frame bytes are copied before it
// returns. It blocks while the queue is full, until ctx is done.
func (f *FaceMesh) ProcessVideoFrame(ctx context.Context, frame types.Frame) error {
	if len(frame.Data) == 0 {
		return ErrEmptyFrame
	}
	if frame.Width < 0 || frame.Height < 0 || int64(frame.Width) > math.MaxUint32 || int64(frame.Height) > math.MaxUint32 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrame, frame.Width, frame.Height)
	}

	f.submitMu.Lock()
	defer f.submitMu.Unlock()

	f.mu.Lock()
	switch f.state {
	case stateIdle:
		f.mu.Unlock()
		return ErrGraphNotStarted
	case stateClosed:
		f.mu.Unlock()
		return ErrClosed
	}
	ts := f.timestamp
	if f.submittedAny && ts <= f.lastTimestamp {
		last := f.lastTimestamp
		f.mu.Unlock()
		return fmt.Errorf("%w: got %d after %d", ErrTimestampRegression, ts, last)
	}
	seq := f.nextSeq
	f.mu.Unlock()

	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < len(frame.Data) {
		buf = make([]byte, len(frame.Data))
	}
	buf = buf[:len(frame.Data)]
	copy(buf, frame.Data)
	frame.Data = buf

	task := types.FrameTask{Seq: seq, Timestamp: ts, Graph: f.graph, Frame: frame}

	select {
	case f.tasks <- task:
	case <-ctx.Done():
		frameBufferPool.Put(buf[:0])
		return ctx.Err()
	}

	f.mu.Lock()
	f.nextSeq++
	f.lastTimestamp = ts
	f.submittedAny = true
	// SetTimestamp may have run while we were blocked; keep the caller's value.
	if f.timestamp == ts {
		f.timestamp = ts + 1
	}
	f.mu.Unlock()

	f.submitted.Add(1)
	return nil
}

// Close stops accepting frames, waits until every submitted frame has been
// delivered, then shuts the engines down. It must not be called from a
// delegate callback.
func (f *FaceMesh) Close() error {
	f.submitMu.Lock()
	f.mu.Lock()
	prev := f.state
	f.state = stateClosed
	if prev == stateRunning {
		close(f.tasks)
	}
	f.mu.Unlock()
	f.submitMu.Unlock()

	if prev != stateRunning {
		return nil
	}

	f.wg.Wait()
	close(f.results)
	<-f.aggDone

	var errs []error
	for _, e := range f.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.cancel()

	s := f.Stats()
	logx.Infof("facemesh graph closed, graph=%s, delivered=%d, failed=%d", f.graph, s.Delivered, s.Failed)
	return errors.Join(errs...)
}

// Stats returns counters for the frames seen so far.
func (f *FaceMesh) Stats() Stats {
	return Stats{
		Submitted: f.submitted.Load(),
		Delivered: f.delivered.Load(),
		Failed:    f.failed.Load(),
		Faces:     f.faces.Load(),
	}
}

// runEngine feeds tasks to one engine. Every task yields exactly one result,
// so the delivery loop never waits on a missing sequence number.
func (f *FaceMesh) runEngine(e worker.Engine) {
	for task := range f.tasks {
		out, err := e.Process(f.ctx, task)

		// A timed-out engine may still be writing the frame, so only
		// recycle the buffer after a clean round trip.
		if err == nil {
			frameBufferPool.Put(task.Frame.Data[:0])
		}

		f.results <- frameResult{seq: task.Seq, timestamp: task.Timestamp, out: out, err: err}
	}
}

// deliverResults re-orders results (engine 2 might finish before engine 1)
// and dispatches them in submission order.
func (f *FaceMesh) deliverResults() {
	buffer := make(map[uint64]frameResult)
	var next uint64

	for res := range f.results {
		buffer[res.seq] = res
		for {
			r, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			f.dispatch(r)
			next++
		}
	}

	if len(buffer) > 0 {
		logx.Errorf("facemesh dropped %d out-of-order results at shutdown", len(buffer))
	}
}

func (f *FaceMesh) dispatch(r frameResult) {
	if r.err == nil {
		r.err = f.checkOutput(r.out)
	}
	if r.err != nil {
		f.fail(r.timestamp, r.err)
		return
	}

	switch f.graph {
	case types.GraphFaceGeometry:
		f.dispatchFaces(r.timestamp, r.out.Faces)
	case types.GraphSelfieSegmentation:
		if rcv, ok := f.delegate.(SegmentationMaskReceiver); ok {
			rcv.DidReceiveSegmentationMask(r.timestamp, *r.out.Mask)
		}
	}
	f.delivered.Add(1)
}

func (f *FaceMesh) dispatchFaces(ts uint64, faces []types.Face) {
	f.faces.Add(uint64(len(faces)))

	if rcv, ok := f.delegate.(MultiFaceGeometryReceiver); ok {
		geometry := make([]types.FaceGeometry, len(faces))
		for i, face := range faces {
			geometry[i] = face.Geometry
		}
		rcv.DidReceiveMultiFaceGeometry(ts, geometry)
	}
	if rcv, ok := f.delegate.(LandmarksReceiver); ok {
		landmarks := make([][]types.LandmarkPoint, len(faces))
		for i, face := range faces {
			landmarks[i] = face.Landmarks
		}
		rcv.DidReceiveLandmarks(ts, landmarks)
	}
	if rcv, ok := f.delegate.(FaceRectsReceiver); ok {
		rects := make([]types.NormalizedRect, len(faces))
		for i, face := range faces {
			rects[i] = face.Rect
		}
		rcv.DidReceiveFaceRects(ts, rects)
	}
}

func (f *FaceMesh) fail(ts uint64, err error) {
	f.failed.Add(1)
	logx.Errorf("facemesh frame failed, graph=%s, timestamp=%d, error=%v", f.graph, ts, err)
	if rcv, ok := f.delegate.(ErrorReceiver); ok {
		rcv.DidFailFrame(ts, err)
	}
}

// checkOutput rejects output that does not belong to the configured graph
// or whose arrays disagree with their declared shapes.
func (f *FaceMesh) checkOutput(out *types.GraphOutput) error {
	if out == nil || out.Graph != f.graph {
		return ErrUnexpectedOutput
	}
	switch f.graph {
	case types.GraphFaceGeometry:
		if out.Mask != nil {
			return ErrUnexpectedOutput
		}
		for i, face := range out.Faces {
			if err := face.Geometry.Mesh.Validate(); err != nil {
				return fmt.Errorf("%w: face %d mesh: %v", ErrInvalidOutput, i, err)
			}
			if err := face.Geometry.PoseTransformMatrix.Validate(); err != nil {
				return fmt.Errorf("%w: face %d pose: %v", ErrInvalidOutput, i, err)
			}
		}
	case types.GraphSelfieSegmentation:
		if out.Mask == nil || len(out.Faces) != 0 {
			return ErrUnexpectedOutput
		}
		if err := out.Mask.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
	}
	return nil
}
