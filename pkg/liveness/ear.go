// Package liveness implements blink-based liveness detection using the eye
// aspect ratio (EAR) computed from 68-point facial landmarks.
package liveness

import (
	"errors"
	"image"
	"math"

	"github.com/MrCodeEU/rollcall/pkg/camera"
)

// DefaultEARThreshold is the EAR below which an eye is considered closed.
const DefaultEARThreshold = 0.20

// Landmark index ranges in the iBUG 68-point layout.
const (
	rightEyeStart = 36
	leftEyeStart  = 42
	eyePoints     = 6
	minLandmarks  = leftEyeStart + eyePoints
)

// Point represents a 2D point in frame coordinates.
type Point struct {
	X, Y float64
}

// ErrInsufficientLandmarks is returned when a landmark set does not cover
// both eyes.
var ErrInsufficientLandmarks = errors.New("insufficient landmarks for eye aspect ratio")

// LandmarkPredictor predicts the 68 facial landmarks of the face inside box.
type LandmarkPredictor interface {
	Predict(frame *camera.Frame, box image.Rectangle) ([]Point, error)
}

// EyeAspectRatio computes (|p1-p5| + |p2-p4|) / (2|p0-p3|) for six eye
// points ordered as in the 68-point layout. It returns 0 for malformed input
// or a degenerate horizontal distance.
func EyeAspectRatio(eye []Point) float64 {
	if len(eye) != eyePoints {
		return 0
	}

	horizontal := distance(eye[0], eye[3])
	if horizontal == 0 {
		return 0
	}

	a := distance(eye[1], eye[5])
	b := distance(eye[2], eye[4])
	return (a + b) / (2 * horizontal)
}

// FaceEAR returns the mean EAR of both eyes.
func FaceEAR(landmarks []Point) (float64, error) {
	if len(landmarks) < minLandmarks {
		return 0, ErrInsufficientLandmarks
	}

	right := EyeAspectRatio(landmarks[rightEyeStart : rightEyeStart+eyePoints])
	left := EyeAspectRatio(landmarks[leftEyeStart : leftEyeStart+eyePoints])
	return (right + left) / 2, nil
}

func distance(p, q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}
