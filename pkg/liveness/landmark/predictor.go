// Package landmark predicts 68-point facial landmarks with an ONNX network
// run through the OpenCV DNN module. It is the alternative to dlib's shape
// predictor, selected with landmark_source: onnx.
//
// The network must take a square RGB crop scaled to [0, 1] (NCHW) and emit 136
// values: x,y pairs in iBUG 68-point order, normalized to the crop, as
// PFLD-style regressors do. The crop is the detector box padded by 10% on
// each side.
package landmark

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/acceleration"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// NumLandmarks is the number of points in the iBUG 68-point layout.
const NumLandmarks = 68

// boxPadding enlarges the detector box on each side, as a fraction of its size.
const boxPadding = 0.1

// ErrModelNotFound is returned when the ONNX model file is missing.
var ErrModelNotFound = errors.New("landmark model not found")

// ErrBadOutput is returned when the network output has an unexpected shape.
var ErrBadOutput = errors.New("unexpected landmark network output")

// Options configures the predictor.
type Options struct {
	// InputSize is the square network input in pixels.
	InputSize int
	Backend   acceleration.Backend
}

// Predictor runs the landmark network. It implements liveness.LandmarkPredictor.
type Predictor struct {
	mu        sync.Mutex
	net       gocv.Net
	inputSize int
}

// New loads the ONNX model at modelPath.
func New(modelPath string, opts Options) (*Predictor, error) {
	if err := verifyModel(modelPath); err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load landmark model %s", modelPath)
	}

	backend, target := dnnTarget(opts.Backend)
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN target: %w", err)
	}

	size := opts.InputSize
	if size <= 0 {
		size = 112
	}

	logging.Component("landmark").Infof("Loaded %s (%dx%d, backend %s)", modelPath, size, size, opts.Backend)
	return &Predictor{net: net, inputSize: size}, nil
}

func verifyModel(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s (run 'rollcall download-models' to download)", ErrModelNotFound, path)
	}
	return nil
}

func dnnTarget(b acceleration.Backend) (gocv.NetBackendType, gocv.NetTargetType) {
	switch b {
	case acceleration.BackendCUDA:
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case acceleration.BackendOpenVINO:
		return gocv.NetBackendOpenVINO, gocv.NetTargetCPU
	default:
		return gocv.NetBackendOpenCV, gocv.NetTargetCPU
	}
}

// Predict returns the 68 landmarks of the face inside box, in frame coordinates.
func (p *Predictor) Predict(frame *camera.Frame, box image.Rectangle) ([]liveness.Point, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, camera.ErrNoFrame
	}

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, camera.ErrNoFrame
	}

	region := padBox(box, image.Rect(0, 0, img.Cols(), img.Rows()))
	if region.Empty() {
		return nil, fmt.Errorf("face box %v outside frame", box)
	}

	crop := img.Region(region)
	defer crop.Close()

	blob := gocv.BlobFromImage(crop, 1.0/255.0, image.Pt(p.inputSize, p.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	p.mu.Lock()
	p.net.SetInput(blob, "")
	out := p.net.Forward("")
	p.mu.Unlock()
	defer out.Close()

	values, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read landmark output: %w", err)
	}
	return toFramePoints(values, region)
}

// Close releases the network.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.net.Close()
}

// padBox grows box by boxPadding on each side and clamps it to bounds.
func padBox(box, bounds image.Rectangle) image.Rectangle {
	dx := int(float64(box.Dx()) * boxPadding)
	dy := int(float64(box.Dy()) * boxPadding)
	return image.Rect(box.Min.X-dx, box.Min.Y-dy, box.Max.X+dx, box.Max.Y+dy).Intersect(bounds)
}

// toFramePoints maps interleaved x,y values normalized to the crop back to
// frame coordinates.
func toFramePoints(values []float32, region image.Rectangle) ([]liveness.Point, error) {
	if len(values) < NumLandmarks*2 {
		return nil, fmt.Errorf("%w: %d values", ErrBadOutput, len(values))
	}

	w := float64(region.Dx())
	h := float64(region.Dy())
	points := make([]liveness.Point, NumLandmarks)
	for i := range points {
		points[i] = liveness.Point{
			X: float64(region.Min.X) + float64(values[2*i])*w,
			Y: float64(region.Min.Y) + float64(values[2*i+1])*h,
		}
	}
	return points, nil
}
