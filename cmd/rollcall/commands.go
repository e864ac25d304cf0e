package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrCodeEU/rollcall/pkg/acceleration"
	"github.com/MrCodeEU/rollcall/pkg/audit"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/camera/opencv"
	"github.com/MrCodeEU/rollcall/pkg/camera/v4l2"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/display"
	"github.com/MrCodeEU/rollcall/pkg/enroll"
	"github.com/MrCodeEU/rollcall/pkg/events"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/liveness/landmark"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
	"github.com/MrCodeEU/rollcall/pkg/observability"
	"github.com/MrCodeEU/rollcall/pkg/recognition/dlib"
	"github.com/MrCodeEU/rollcall/pkg/session"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/storage/postgres"
)

// openStore opens the identity store selected by the configuration.
func openStore(ctx context.Context, c *config.Config) (storage.Store, error) {
	switch c.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, c.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	case config.DriverFile, "":
		store, err := storage.NewFileStorage(c.Storage.DataDir, storage.FileOptions{
			EncryptionEnabled: c.Storage.EncryptionEnabled,
			MaxHistory:        c.Storage.MaxHistory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
}

// openSource opens the capture device with the configured backend.
func openSource(c *config.Config) (camera.Source, error) {
	if c.Camera.Backend == config.BackendV4L2 {
		src, err := v4l2.Open(c.Camera.Device, v4l2.Options{
			Width:  c.Camera.Width,
			Height: c.Camera.Height,
			Mirror: c.Camera.Mirror,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	src, err := opencv.Open(c.Camera.Device, opencv.Options{
		Width:  c.Camera.Width,
		Height: c.Camera.Height,
		FPS:    c.Camera.FPS,
		Mirror: c.Camera.Mirror,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// extractorModelDir returns the directory the extractor loads. With dlib
// landmarks it is the 68-point layout, so enrollment and sessions align faces
// the same way.
func extractorModelDir(c *config.Config) (string, error) {
	if c.Liveness.LandmarkSource != config.LandmarksDlib {
		return c.Recognition.ModelPath, nil
	}
	dir, err := dlib.PrepareLandmarkDir(c.Recognition.ModelPath)
	if err != nil {
		return "", fmt.Errorf("%w (run 'rollcall download-models')", err)
	}
	return dir, nil
}

// selectBackend picks the landmark inference backend.
func selectBackend(c *config.Config) acceleration.Backend {
	preferred, err := acceleration.ParseBackend(c.Liveness.Acceleration)
	if err != nil {
		logging.Warnf("%v, using auto", err)
		preferred = acceleration.BackendAuto
	}

	mgr := acceleration.NewManager()
	if err := mgr.Initialize(acceleration.Config{PreferredBackend: preferred, FallbackToCPU: true}); err != nil {
		logging.Warnf("Acceleration init failed, using CPU: %v", err)
		return acceleration.BackendCPU
	}
	backend, err := mgr.ActiveBackend()
	if err != nil {
		return acceleration.BackendCPU
	}
	return backend
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	headless := fs.Bool("headless", !cfg.Session.ShowWindow, "Run without a preview window")
	device := fs.String("device", cfg.Camera.Device, "Capture device (index, path or URL)")
	policy := fs.String("policy", cfg.Session.PersistencePolicy, "Persistence policy: at_most_once or retry_until_success")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.Camera.Device = *device
	cfg.Session.PersistencePolicy = *policy
	cfg.Session.ShowWindow = !*headless

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	modelDir, err := extractorModelDir(cfg)
	if err != nil {
		return err
	}
	extractor := dlib.NewExtractor(cfg.Camera.Downscale)
	if err := extractor.LoadModels(modelDir); err != nil {
		return fmt.Errorf("%w (run 'rollcall download-models')", err)
	}
	defer func() { _ = extractor.Close() }()

	var predictor liveness.LandmarkPredictor
	if cfg.Liveness.LandmarkSource == config.LandmarksONNX {
		p, err := landmark.New(cfg.Liveness.LandmarkModel, landmark.Options{
			InputSize: cfg.Liveness.LandmarkInput,
			Backend:   selectBackend(cfg),
		})
		if err != nil {
			return fmt.Errorf("failed to load landmark model: %w", err)
		}
		defer func() { _ = p.Close() }()
		predictor = p
	}

	sink, err := audit.Open(cfg.Audit.File)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	publisher := events.New(&events.Config{
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
		Enabled: cfg.Events.Enabled,
	}, m)
	defer func() { _ = publisher.Close() }()

	source, err := openSource(cfg)
	if err != nil {
		return err
	}

	var renderer session.Renderer = session.NopRenderer{}
	if cfg.Session.ShowWindow {
		renderer = display.NewWindow(cfg.Session.WindowTitle)
	}

	sessionID := uuid.New().String()
	ctrl, err := session.New(session.Deps{
		Source:    source,
		Extractor: extractor,
		Predictor: predictor,
		Store:     store,
		Audit:     sink,
		Publisher: publisher,
		Renderer:  renderer,
		Metrics:   m,
	}, session.OptionsFromConfig(cfg, sessionID))
	if err != nil {
		_ = source.Close()
		_ = renderer.Close()
		return err
	}

	if cfg.Metrics.Enabled {
		srv := observability.NewServer(cfg.Metrics.Addr, reg, ctrl)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	fmt.Printf("Session %s started. Blink at the camera to be marked; press q or Ctrl+C to stop.\n", sessionID)

	summary, err := ctrl.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return err
	}

	printSummary(os.Stdout, summary)
	return nil
}

func printSummary(w io.Writer, s session.Summary) {
	fmt.Fprintf(w, "\nSession %s ended after %d frames.\n", s.SessionID, s.Frames)
	if s.Count == 0 {
		fmt.Fprintln(w, "No attendance marked.")
	} else {
		fmt.Fprintln(w, "Attendance marked for:")
		for _, name := range s.Marked {
			fmt.Fprintf(w, "  - %s\n", name)
		}
	}
	if len(s.Pending) > 0 {
		fmt.Fprintln(w, "Not persisted (write kept failing):")
		for _, name := range s.Pending {
			fmt.Fprintf(w, "  - %s\n", name)
		}
	}
	fmt.Fprintf(w, "Total: %d\n", s.Count)
}

func cmdEnroll(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("image directory required\nUsage: rollcall enroll <image-dir>")
	}
	dir := args[0]

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	modelDir, err := extractorModelDir(cfg)
	if err != nil {
		return err
	}
	extractor := dlib.NewExtractor(1)
	if err := extractor.LoadModels(modelDir); err != nil {
		return fmt.Errorf("%w (run 'rollcall download-models')", err)
	}
	defer func() { _ = extractor.Close() }()

	logging.Infof("Enrolling images from: %s", dir)
	report, err := enroll.Directory(ctx, dir, extractor, store, enroll.Options{Progress: os.Stderr})
	if report != nil {
		printReport(os.Stdout, report)
	}
	return err
}

func printReport(w io.Writer, r *enroll.Report) {
	fmt.Fprintf(w, "\nProcessed %d image(s)\n", r.Total())
	fmt.Fprintf(w, "  Enrolled:          %d\n", len(r.Enrolled))
	fmt.Fprintf(w, "  Already enrolled:  %d\n", len(r.Existing))
	fmt.Fprintf(w, "  No face found:     %d\n", len(r.NoFace))
	fmt.Fprintf(w, "  Failed:            %d\n", len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "    %s: %v\n", f.Name, f.Err)
	}
}

func cmdList(args []string) error {
	logging.Debugf("Listing enrolled identities")

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	identities, err := store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}

	if len(identities) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	fmt.Println("Enrolled identities:")
	for _, id := range identities {
		fmt.Printf("  - %s\n", id.Name)
	}
	fmt.Printf("\nTotal: %d identit(ies)\n", len(identities))
	return nil
}

// archiver is implemented by stores that move old history aside.
type archiver interface {
	Archived(name string) ([]storage.AttendanceEntry, error)
}

func cmdHistory(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("name required\nUsage: rollcall history <name>")
	}
	name := args[0]

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	doc, err := store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return fmt.Errorf("'%s' is not enrolled", name)
		}
		return err
	}

	var archived int
	if a, ok := store.(archiver); ok {
		entries, err := a.Archived(name)
		if err != nil {
			logging.Warnf("Failed to read archive for %s: %v", name, err)
		}
		archived = len(entries)
	}

	printHistory(os.Stdout, doc, archived)
	return nil
}

func printHistory(w io.Writer, doc *storage.Document, archived int) {
	fmt.Fprintf(w, "Attendance for %s (enrolled %s):\n", doc.Name, doc.EnrolledAt.Local().Format(storage.LegacyTimestampFormat))
	if len(doc.Attendance) == 0 {
		fmt.Fprintln(w, "  no records")
	}
	for _, e := range doc.Attendance {
		fmt.Fprintf(w, "  %s  %s\n", e.Timestamp.Local().Format(storage.LegacyTimestampFormat), e.Status)
	}
	if archived > 0 {
		fmt.Fprintf(w, "  (%d older record(s) archived)\n", archived)
	}
}

func cmdConfig(args []string) error {
	logging.Debugf("Showing configuration")
	printConfig(os.Stdout, cfg)
	return nil
}

func printConfig(w io.Writer, c *config.Config) {
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Camera]")
	fmt.Fprintf(w, "  Backend:         %s\n", c.Camera.Backend)
	fmt.Fprintf(w, "  Device:          %s\n", c.Camera.Device)
	fmt.Fprintf(w, "  Resolution:      %dx%d @ %d FPS\n", c.Camera.Width, c.Camera.Height, c.Camera.FPS)
	fmt.Fprintf(w, "  Mirror:          %t\n", c.Camera.Mirror)
	fmt.Fprintf(w, "  Downscale:       %.2f\n", c.Camera.Downscale)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Recognition]")
	fmt.Fprintf(w, "  Tolerance:       %.2f\n", c.Recognition.Tolerance)
	fmt.Fprintf(w, "  Model Path:      %s\n", c.Recognition.ModelPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Liveness Detection]")
	fmt.Fprintf(w, "  EAR Threshold:   %.2f\n", c.Liveness.EARThreshold)
	fmt.Fprintf(w, "  Landmarks:       %s\n", c.Liveness.LandmarkSource)
	if c.Liveness.LandmarkSource == config.LandmarksONNX {
		fmt.Fprintf(w, "  Landmark Model:  %s\n", c.Liveness.LandmarkModel)
	}
	fmt.Fprintf(w, "  Acceleration:    %s\n", c.Liveness.Acceleration)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Session]")
	fmt.Fprintf(w, "  Policy:          %s\n", c.Session.PersistencePolicy)
	fmt.Fprintf(w, "  Overlay:         %s\n", c.Session.OverlayDuration)
	fmt.Fprintf(w, "  Show Window:     %t\n", c.Session.ShowWindow)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Storage]")
	fmt.Fprintf(w, "  Driver:          %s\n", c.Storage.Driver)
	if c.Storage.Driver == config.DriverPostgres {
		fmt.Fprintln(w, "  Database URL:    (set)")
	} else {
		fmt.Fprintf(w, "  Data Dir:        %s\n", c.Storage.DataDir)
		fmt.Fprintf(w, "  Encryption:      %t\n", c.Storage.EncryptionEnabled)
	}
	fmt.Fprintf(w, "  Max History:     %d\n", c.Storage.MaxHistory)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Audit]")
	fmt.Fprintf(w, "  File:            %s\n", c.Audit.File)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Events]")
	fmt.Fprintf(w, "  Enabled:         %t\n", c.Events.Enabled)
	fmt.Fprintf(w, "  Brokers:         %v\n", c.Events.Brokers)
	fmt.Fprintf(w, "  Topic:           %s\n", c.Events.Topic)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Metrics]")
	fmt.Fprintf(w, "  Enabled:         %t\n", c.Metrics.Enabled)
	fmt.Fprintf(w, "  Address:         %s\n", c.Metrics.Addr)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Logging]")
	fmt.Fprintf(w, "  Level:           %s\n", c.Logging.Level)
	fmt.Fprintf(w, "  File:            %s\n", c.Logging.File)
}

func cmdVersion(args []string) error {
	fmt.Printf("rollcall v%s\n", version)
	fmt.Println("Liveness-checked face attendance")
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "run":
		fmt.Println("\nSession:")
		fmt.Println("  1. Known faces are labelled with name and confidence")
		fmt.Println("  2. Attendance is marked after one full blink")
		fmt.Println("  3. Each person is marked at most once per run")
		fmt.Println("  4. Press q in the window or Ctrl+C to stop")
	case "enroll":
		fmt.Println("\nEnrollment:")
		fmt.Println("  Each .png, .jpg or .jpeg file is one person, named after the file.")
		fmt.Println("  Images without a face and already enrolled names are skipped.")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/rollcall/rollcall.yaml")
		fmt.Println("  User:   ~/.config/rollcall/rollcall.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
		fmt.Println("ROLLCALL_* variables (or a .env file) override selected values.")
	}

	return nil
}
