package dlib

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/Kagami/go-face"
)

// mockEngine implements FaceEngine. Without FacesFunc it finds no faces.
// It records the size of every image it was handed.
type mockEngine struct {
	FacesFunc func(bounds image.Rectangle) ([]face.Face, error)
	seen      []image.Rectangle
	closes    int
}

func (m *mockEngine) Recognize(data []byte) ([]face.Face, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	m.seen = append(m.seen, img.Bounds())
	if m.FacesFunc != nil {
		return m.FacesFunc(img.Bounds())
	}
	return nil, nil
}

func (m *mockEngine) Close() {
	m.closes++
}

// detected builds a face with the given box and a descriptor whose first
// values are head.
func detected(box image.Rectangle, head ...float32) face.Face {
	var d face.Descriptor
	copy(d[:], head)
	return face.Face{Rectangle: box, Descriptor: d}
}
