// Package camera defines the frame type and the pull-based frame source
// contract shared by the capture backends (see the opencv and v4l2
// subpackages).
package camera

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"time"
)

// Frame represents a single captured frame. Data holds a JPEG encoding of
// the image in frame coordinates.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Source is a pull-based producer of frames. Read returns ErrEndOfStream
// when the device has no more input. Close releases the device and is safe
// to call more than once.
type Source interface {
	Read() (*Frame, error)
	Close() error
}

// DeviceInfo contains information about an opened capture device.
type DeviceInfo struct {
	Path    string
	Backend string
	Width   int
	Height  int
}

// ErrCameraNotFound is returned when the capture device cannot be opened.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when reading from a closed source.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when a frame could not be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// ErrEndOfStream is returned when the source is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// NewFrame encodes img as JPEG and wraps it in a Frame.
func NewFrame(img image.Image, ts time.Time) (*Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Frame{
		Data:      buf.Bytes(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Timestamp: ts,
	}, nil
}

// Image decodes the frame data.
func (f *Frame) Image() (image.Image, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrNoFrame
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	return img, err
}

// Bounds returns the frame rectangle in frame coordinates.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}
