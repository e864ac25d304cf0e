// Package display shows annotated frames in an OpenCV window and turns the
// 'q' key into an operator stop.
package display

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/session"
)

// DefaultTitle is the window title used when none is configured.
const DefaultTitle = "Liveness Face Attendance"

// MarkedText is drawn under a face for a few seconds after marking.
const MarkedText = "Attendance marked"

var (
	green  = color.RGBA{0, 255, 0, 0}
	red    = color.RGBA{255, 0, 0, 0}
	yellow = color.RGBA{255, 255, 0, 0}
)

// Window renders frames with face boxes and labels.
type Window struct {
	window *gocv.Window
	closed bool
}

var log = logging.Component("display")

// NewWindow opens a window with the given title.
func NewWindow(title string) *Window {
	if title == "" {
		title = DefaultTitle
	}
	return &Window{window: gocv.NewWindow(title)}
}

// Render draws the annotations on frame and shows it. It reports true when
// the operator pressed 'q' or closed the window.
func (w *Window) Render(frame *camera.Frame, annotations []session.Annotation) bool {
	if w.closed {
		return true
	}

	mat, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil || mat.Empty() {
		if err == nil {
			mat.Close()
		}
		log.WithError(err).Debug("Failed to decode frame for display")
		return isStopKey(w.window.WaitKey(1))
	}
	defer mat.Close()

	for _, a := range annotations {
		draw(&mat, a)
	}

	w.window.IMShow(mat)
	if isStopKey(w.window.WaitKey(1)) {
		return true
	}
	return !w.window.IsOpen()
}

// Close closes the window. It is safe to call more than once.
func (w *Window) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.window.Close()
}

func draw(mat *gocv.Mat, a session.Annotation) {
	c := boxColor(a)
	gocv.Rectangle(mat, a.Box, c, 2)
	gocv.PutText(mat, a.Label, labelPoint(a.Box), gocv.FontHersheySimplex, 0.6, c, 2)
	if a.Overlay {
		gocv.PutText(mat, MarkedText, overlayPoint(a.Box), gocv.FontHersheySimplex, 0.6, yellow, 2)
	}
}

func boxColor(a session.Annotation) color.RGBA {
	if a.Known {
		return green
	}
	return red
}

// labelPoint places the label just above the box, inside the frame.
func labelPoint(box image.Rectangle) image.Point {
	y := box.Min.Y - 10
	if y < 15 {
		y = box.Max.Y + 20
	}
	return image.Pt(box.Min.X, y)
}

func overlayPoint(box image.Rectangle) image.Point {
	return image.Pt(box.Min.X, box.Max.Y+45)
}

func isStopKey(key int) bool {
	return key == 'q' || key == 'Q'
}
