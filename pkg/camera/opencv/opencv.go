// Package opencv implements camera.Source on top of an OpenCV VideoCapture.
// The device may be a camera index ("0"), a video file path or a stream URL.
package opencv

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Options controls how the capture device is opened.
type Options struct {
	Width  int
	Height int
	FPS    int
	Mirror bool
}

// Source reads frames from an OpenCV capture device.
type Source struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	mirror bool
	info   camera.DeviceInfo
	closed bool
}

// Open opens the capture device and applies the requested resolution.
func Open(device string, opts Options) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", camera.ErrCameraNotFound, device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, device)
	}

	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	if opts.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(opts.FPS))
	}

	s := &Source{
		cap:    vc,
		mat:    gocv.NewMat(),
		mirror: opts.Mirror,
		info: camera.DeviceInfo{
			Path:    device,
			Backend: "opencv",
			Width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
		},
	}

	logging.Component("camera").Infof("Opened %s at %dx%d", device, s.info.Width, s.info.Height)
	return s, nil
}

// Info returns the device information captured at open time.
func (s *Source) Info() camera.DeviceInfo {
	return s.info
}

// Read captures the next frame. An exhausted file or a device that stops
// delivering frames yields camera.ErrEndOfStream.
func (s *Source) Read() (*camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, camera.ErrCameraNotOpen
	}

	if ok := s.cap.Read(&s.mat); !ok {
		return nil, camera.ErrEndOfStream
	}
	if s.mat.Empty() {
		return nil, camera.ErrNoFrame
	}

	return EncodeMat(s.mat, s.mirror, time.Now())
}

// Close releases the device. Subsequent calls are no-ops.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.cap.Close()
}

// EncodeMat mirrors mat when requested and encodes it into a camera.Frame.
// mat is modified in place when mirroring.
func EncodeMat(mat gocv.Mat, mirror bool, ts time.Time) (*camera.Frame, error) {
	if mirror {
		gocv.Flip(mat, &mat, 1)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return &camera.Frame{
		Data:      data,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: ts,
	}, nil
}
