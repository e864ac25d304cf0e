// Package recognition holds the face types shared by the embedding extractor
// and the identity matcher. It is free of cgo so the matching logic can be
// tested without dlib; the go-face engine lives in the dlib subpackage.
package recognition

import (
	"errors"
	"image"
	"math"
	"strconv"

	"github.com/MrCodeEU/rollcall/pkg/liveness"
)

// DefaultTolerance is the calibrated dlib acceptance distance.
const DefaultTolerance = 0.6

// UnknownName is the label used for faces that match no identity.
const UnknownName = "Unknown"

// Vector is a face embedding. dlib produces 128 values.
type Vector []float32

// Identity is an enrolled person with their reference embedding.
type Identity struct {
	Name      string
	Embedding Vector
}

// Face is a face detected in a frame. Box is in frame coordinates.
// Landmarks are filled in later by the landmark predictor.
type Face struct {
	Box       image.Rectangle
	Embedding Vector
	Landmarks []liveness.Point
}

// Match is the result of matching one embedding against the identity table.
type Match struct {
	Name              string
	Known             bool
	Distance          float64
	ConfidencePercent float64
}

// Label formats the match for display, e.g. "alice (72.5%)".
func (m Match) Label() string {
	if !m.Known {
		return UnknownName
	}
	return m.Name + " (" + strconv.FormatFloat(m.ConfidencePercent, 'f', -1, 64) + "%)"
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// Matcher finds the nearest identity within Tolerance.
type Matcher struct {
	Tolerance float64
}

// NewMatcher returns a Matcher. A non-positive tolerance selects DefaultTolerance.
func NewMatcher(tolerance float64) *Matcher {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Matcher{Tolerance: tolerance}
}

// Match returns the identity closest to query. The minimum distance wins,
// with the first identity winning exact ties. The match is accepted only if
// the distance is strictly below the tolerance.
func (m *Matcher) Match(query Vector, identities []Identity) Match {
	if len(identities) == 0 {
		return Match{Name: UnknownName, Distance: math.MaxFloat64}
	}

	bestIdx := 0
	bestDist := math.MaxFloat64
	for i, id := range identities {
		dist := EuclideanDistance(query, id.Embedding)
		if dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}

	if bestDist >= m.Tolerance {
		return Match{Name: UnknownName, Distance: bestDist}
	}

	return Match{
		Name:              identities[bestIdx].Name,
		Known:             true,
		Distance:          bestDist,
		ConfidencePercent: Confidence(bestDist),
	}
}

// Confidence converts a distance to a percentage rounded to two decimals.
func Confidence(distance float64) float64 {
	return math.Round((1-distance)*100*100) / 100
}

// EuclideanDistance calculates the Euclidean distance between two vectors.
// Vectors of different length are infinitely far apart.
func EuclideanDistance(a, b Vector) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
