package session

import (
	"image"

	"github.com/MrCodeEU/rollcall/pkg/camera"
)

// Annotation describes one face to draw on a frame.
type Annotation struct {
	Box   image.Rectangle
	Label string
	Known bool
	// Marked is set once the identity has been marked this session.
	Marked bool
	// Overlay is set while the "Attendance marked" confirmation is visible.
	Overlay bool
}

// Renderer is the operator feedback surface. Render reports true when the
// operator asked to stop. Close is called once when the session ends.
type Renderer interface {
	Render(frame *camera.Frame, annotations []Annotation) bool
	Close() error
}

// NopRenderer renders nothing and never asks to stop. It is used headless.
type NopRenderer struct{}

func (NopRenderer) Render(*camera.Frame, []Annotation) bool { return false }

func (NopRenderer) Close() error { return nil }
