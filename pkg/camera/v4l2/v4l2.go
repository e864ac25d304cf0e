// Package v4l2 implements camera.Source directly on a V4L2 device node.
package v4l2

import (
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/camera/opencv"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Pixel formats as V4L2 fourcc codes.
const (
	formatMJPEG webcam.PixelFormat = 0x47504A4D // MJPG
	formatYUYV  webcam.PixelFormat = 0x56595559 // YUYV
	formatGREY  webcam.PixelFormat = 0x59455247 // GREY
)

// waitTimeout is the per-frame wait in seconds.
const waitTimeout = 1

// maxTimeouts is the number of consecutive wait timeouts before the device
// is considered gone.
const maxTimeouts = 5

// Options controls how the device is opened.
type Options struct {
	Width  int
	Height int
	Mirror bool
}

// Source reads frames from a V4L2 device.
type Source struct {
	mu     sync.Mutex
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
	mirror bool
	closed bool
}

// Open opens the device, negotiates a pixel format and starts streaming.
// MJPEG is preferred, then YUYV, then GREY.
func Open(device string, opts Options) (*Source, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrapf(camera.ErrCameraNotFound, "%s: %v", device, err)
	}

	supported := cam.GetSupportedFormats()
	format, ok := pickFormat(supported)
	if !ok {
		cam.Close()
		return nil, errors.Errorf("%s: no supported pixel format (have %v)", device, supported)
	}

	f, w, h, err := cam.SetImageFormat(format, uint32(opts.Width), uint32(opts.Height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set image format")
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not start streaming")
	}

	logging.Component("camera").Infof("Opened %s (%s) at %dx%d", device, supported[f], w, h)

	return &Source{
		cam:    cam,
		format: f,
		width:  int(w),
		height: int(h),
		mirror: opts.Mirror,
	}, nil
}

func pickFormat(supported map[webcam.PixelFormat]string) (webcam.PixelFormat, bool) {
	for _, f := range []webcam.PixelFormat{formatMJPEG, formatYUYV, formatGREY} {
		if _, ok := supported[f]; ok {
			return f, true
		}
	}
	return 0, false
}

// Info returns the negotiated device parameters.
func (s *Source) Info() camera.DeviceInfo {
	return camera.DeviceInfo{Backend: "v4l2", Width: s.width, Height: s.height}
}

// Read waits for the next frame and returns it JPEG encoded.
func (s *Source) Read() (*camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, camera.ErrCameraNotOpen
	}

	for timeouts := 0; ; {
		err := s.cam.WaitForFrame(waitTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			timeouts++
			if timeouts >= maxTimeouts {
				return nil, errors.Wrap(camera.ErrEndOfStream, "device stopped delivering frames")
			}
			continue
		default:
			return nil, errors.Wrap(err, "Frame wait failed")
		}
		break
	}

	raw, err := s.cam.ReadFrame()
	if err != nil {
		return nil, errors.Wrap(err, "Read frame failed")
	}
	if len(raw) == 0 {
		return nil, camera.ErrNoFrame
	}

	mat, err := s.decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "Can not decode image")
	}
	defer mat.Close()

	return opencv.EncodeMat(mat, s.mirror, time.Now())
}

func (s *Source) decode(raw []byte) (gocv.Mat, error) {
	switch s.format {
	case formatMJPEG:
		mat, err := gocv.IMDecode(raw, gocv.IMReadColor)
		if err != nil {
			return mat, err
		}
		if mat.Empty() {
			mat.Close()
			return mat, camera.ErrNoFrame
		}
		return mat, nil
	case formatYUYV:
		src, err := gocv.NewMatFromBytes(s.height, s.width, gocv.MatTypeCV8UC2, raw)
		if err != nil {
			return src, err
		}
		defer src.Close()
		dst := gocv.NewMat()
		gocv.CvtColor(src, &dst, gocv.ColorYUVToBGRYUY2)
		return dst, nil
	default:
		src, err := gocv.NewMatFromBytes(s.height, s.width, gocv.MatTypeCV8UC1, raw)
		if err != nil {
			return src, err
		}
		defer src.Close()
		dst := gocv.NewMat()
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
		return dst, nil
	}
}

// Close stops streaming and releases the device. Subsequent calls are no-ops.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.cam.StopStreaming(); err != nil {
		logging.Component("camera").Warnf("Stop streaming: %v", err)
	}
	return s.cam.Close()
}
