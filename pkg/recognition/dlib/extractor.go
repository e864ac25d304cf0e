// Package dlib extracts face embeddings with dlib via go-face.
package dlib

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // enrollment photos may be PNG
	"os"
	"path/filepath"
	"sync"

	"github.com/Kagami/go-face"
	"golang.org/x/image/draw"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Model files under the model directory.
const (
	ShapePredictor5  = "shape_predictor_5_face_landmarks.dat"
	ShapePredictor68 = "shape_predictor_68_face_landmarks.dat"
	ResNetModel      = "dlib_face_recognition_resnet_model_v1.dat"
	DetectorModel    = "mmod_human_face_detector.dat"

	// Landmarks68Dir is the subdirectory PrepareLandmarkDir lays out.
	Landmarks68Dir = "landmarks68"
)

// NumLandmarks is the number of shape points in the iBUG 68-point layout.
const NumLandmarks = 68

var (
	// ErrModelNotLoaded is returned when models are not loaded.
	ErrModelNotLoaded = errors.New("recognition models not loaded")

	// ErrModelMissing is returned when a required model file is absent.
	ErrModelMissing = errors.New("model file not found")
)

// PrepareLandmarkDir lays out a model directory in which go-face loads dlib's
// 68-point shape predictor, so detected faces carry eye landmarks. go-face
// always opens the predictor as shape_predictor_5_face_landmarks.dat; the
// returned directory holds relative symlinks to the real files in modelPath.
func PrepareLandmarkDir(modelPath string) (string, error) {
	for _, name := range []string{ShapePredictor68, ResNetModel, DetectorModel} {
		if _, err := os.Stat(filepath.Join(modelPath, name)); err != nil {
			return "", fmt.Errorf("%w: %s", ErrModelMissing, filepath.Join(modelPath, name))
		}
	}

	dir := filepath.Join(modelPath, Landmarks68Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	links := map[string]string{
		ShapePredictor5: ShapePredictor68,
		ResNetModel:     ResNetModel,
		DetectorModel:   DetectorModel,
	}
	for link, target := range links {
		linkPath := filepath.Join(dir, link)
		target = filepath.Join("..", target)
		if cur, err := os.Readlink(linkPath); err == nil && cur == target {
			continue
		}
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to replace %s: %w", linkPath, err)
		}
		if err := os.Symlink(target, linkPath); err != nil {
			return "", fmt.Errorf("failed to link %s: %w", linkPath, err)
		}
	}
	return dir, nil
}

// FaceEngine is the subset of *face.Recognizer the extractor uses.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// Extractor detects faces and computes their embeddings.
type Extractor struct {
	engine    FaceEngine
	modelPath string
	loaded    bool
	downscale float64
	mu        sync.RWMutex

	factory func(path string) (FaceEngine, error)
}

// NewExtractor creates an Extractor. Frames are shrunk by downscale before
// detection; values outside (0, 1) disable downscaling.
func NewExtractor(downscale float64) *Extractor {
	if downscale <= 0 || downscale > 1 {
		downscale = 1
	}
	return &Extractor{
		downscale: downscale,
		factory: func(path string) (FaceEngine, error) {
			return face.NewRecognizer(path)
		},
	}
}

// LoadModels loads the dlib models from modelPath. The directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat. Pass a PrepareLandmarkDir result to get
// 68-point landmarks on every face.
func (e *Extractor) LoadModels(modelPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := e.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	e.engine = engine
	e.modelPath = modelPath
	e.loaded = true

	logging.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (e *Extractor) IsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

// Close releases the engine.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
	e.loaded = false
	return nil
}

// Extract returns every face found in frame with boxes and landmarks in frame
// coordinates. Landmarks are only set when the engine yields the 68-point
// layout. Failures are logged and yield no faces.
func (e *Extractor) Extract(frame *camera.Frame) []recognition.Face {
	log := logging.Component("recognition")

	if frame == nil || len(frame.Data) == 0 {
		return nil
	}

	data, scale := frame.Data, 1.0
	if e.downscale < 1 {
		small, err := downscaleJPEG(frame.Data, e.downscale)
		if err != nil {
			log.WithError(err).Warn("Failed to downscale frame")
			return nil
		}
		data, scale = small, e.downscale
	}

	faces, err := e.detect(data)
	if err != nil {
		log.WithError(err).Warn("Face detection failed")
		return nil
	}

	result := make([]recognition.Face, 0, len(faces))
	for _, f := range faces {
		result = append(result, recognition.Face{
			Box:       scaleRect(f.Rectangle, 1/scale),
			Embedding: toVector(f.Descriptor),
			Landmarks: toLandmarks(f.Shapes, 1/scale),
		})
	}

	logging.Debugf("Detected %d face(s) in frame", len(result))
	return result
}

// EncodeImage returns the embedding of the first face in an encoded image.
func (e *Extractor) EncodeImage(data []byte) (recognition.Vector, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	faces, err := e.detect(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}
	return toVector(faces[0].Descriptor), nil
}

func (e *Extractor) detect(jpegData []byte) ([]face.Face, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := e.engine.Recognize(jpegData)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	return faces, nil
}

func toVector(d face.Descriptor) recognition.Vector {
	v := make(recognition.Vector, len(d))
	copy(v, d[:])
	return v
}

func toLandmarks(shapes []image.Point, factor float64) []liveness.Point {
	if len(shapes) != NumLandmarks {
		return nil
	}
	points := make([]liveness.Point, len(shapes))
	for i, p := range shapes {
		points[i] = liveness.Point{X: float64(p.X) * factor, Y: float64(p.Y) * factor}
	}
	return points
}

func scaleRect(r image.Rectangle, factor float64) image.Rectangle {
	if factor == 1 {
		return r
	}
	return image.Rect(
		int(float64(r.Min.X)*factor),
		int(float64(r.Min.Y)*factor),
		int(float64(r.Max.X)*factor),
		int(float64(r.Max.Y)*factor),
	)
}

func downscaleJPEG(data []byte, factor float64) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	w := int(float64(bounds.Dx()) * factor)
	h := int(float64(bounds.Dy()) * factor)
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("frame %v too small to downscale by %.2f", bounds, factor)
	}

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
