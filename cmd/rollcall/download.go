package main

import (
	"compress/bzip2"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition/dlib"
)

// model is a file fetched by download-models.
type model struct {
	Name string
	URL  string
}

// dlibModels are the files go-face needs for detection, embeddings and the
// 68-point eye landmarks used for blink liveness.
var dlibModels = []model{
	{
		Name: dlib.ShapePredictor5,
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: dlib.ShapePredictor68,
		URL:  "http://dlib.net/files/shape_predictor_68_face_landmarks.dat.bz2",
	},
	{
		Name: dlib.ResNetModel,
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: dlib.DetectorModel,
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

func cmdDownloadModels(args []string) error {
	fs := flag.NewFlagSet("download-models", flag.ContinueOnError)
	landmarkURL := fs.String("landmark-url", os.Getenv("ROLLCALL_LANDMARK_MODEL_URL"),
		"URL of a 68-point landmark ONNX model (only for landmark_source: onnx)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	modelDir := cfg.Recognition.ModelPath
	if fs.NArg() > 0 {
		modelDir = fs.Arg(0)
	}

	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	models := append([]model(nil), dlibModels...)
	landmarkPath := cfg.Liveness.LandmarkModel
	if fs.NArg() > 0 || landmarkPath == "" {
		landmarkPath = filepath.Join(modelDir, filepath.Base(cfg.Liveness.LandmarkModel))
	}
	if *landmarkURL != "" {
		models = append(models, model{Name: landmarkPath, URL: *landmarkURL})
	}

	if err := fetchModels(modelDir, models); err != nil {
		return err
	}

	if _, err := dlib.PrepareLandmarkDir(modelDir); err != nil {
		return fmt.Errorf("failed to prepare landmark models: %w", err)
	}

	if cfg.Liveness.LandmarkSource == config.LandmarksONNX {
		if _, err := os.Stat(landmarkPath); err != nil {
			logging.Warnf("Landmark model missing at %s; pass -landmark-url or place a 68-point ONNX model there", landmarkPath)
		}
	}

	logging.Info("All models downloaded successfully!")
	return nil
}

// fetchModels downloads every model not already present. Relative names are
// placed in modelDir.
func fetchModels(modelDir string, models []model) error {
	for _, m := range models {
		targetPath := m.Name
		if !filepath.IsAbs(targetPath) {
			targetPath = filepath.Join(modelDir, m.Name)
		}
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", filepath.Base(targetPath))
			continue
		}

		logging.Infof("Downloading %s...", filepath.Base(targetPath))
		if err := download(m.URL, targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", filepath.Base(targetPath), err)
		}
		logging.Infof("Successfully downloaded %s", filepath.Base(targetPath))
	}
	return nil
}

// download fetches url into targetPath, decompressing .bz2 payloads. The
// file only appears at targetPath once fully written.
func download(url, targetPath string) error {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}

	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var body io.Reader = resp.Body
	if strings.HasSuffix(url, ".bz2") {
		body = bzip2.NewReader(resp.Body)
	}

	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
