// Package acceleration selects the inference backend for the landmark
// network. It supports NVIDIA CUDA and Intel OpenVINO through the OpenCV DNN
// module, with CPU as the always-available fallback.
package acceleration

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Backend represents an acceleration backend type.
type Backend string

const (
	// BackendCPU is the default CPU-only backend (always available).
	BackendCPU Backend = "cpu"

	// BackendCUDA is the NVIDIA CUDA backend. Requires OpenCV built with CUDA.
	BackendCUDA Backend = "cuda"

	// BackendOpenVINO is the Intel OpenVINO inference engine backend.
	BackendOpenVINO Backend = "openvino"

	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
)

// ParseBackend parses a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendAuto, nil
	case BackendCPU, BackendCUDA, BackendOpenVINO, BackendAuto:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrBackendNotAvailable, s)
	}
}

// BackendInfo contains information about an acceleration backend.
type BackendInfo struct {
	Backend     Backend
	Name        string
	Available   bool
	Version     string
	DeviceName  string
	DeviceCount int
}

// Config holds acceleration configuration.
type Config struct {
	PreferredBackend Backend
	FallbackToCPU    bool
}

// DefaultConfig returns default acceleration configuration.
func DefaultConfig() Config {
	return Config{
		PreferredBackend: BackendAuto,
		FallbackToCPU:    true,
	}
}

// Manager detects and selects acceleration backends.
type Manager struct {
	config            Config
	activeBackend     Backend
	availableBackends map[Backend]*BackendInfo
	mu                sync.RWMutex
	initialized       bool

	// detectors check for optional backends; replaced in tests.
	detectors []func() *BackendInfo
}

// NewManager returns a Manager probing the host for CUDA and OpenVINO.
func NewManager() *Manager {
	return &Manager{
		config:            DefaultConfig(),
		availableBackends: make(map[Backend]*BackendInfo),
		detectors:         []func() *BackendInfo{detectCUDA, detectOpenVINO},
	}
}

// Initialize detects the available backends and selects one.
func (m *Manager) Initialize(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = cfg
	m.detectBackends()

	backend, err := m.selectBackend(cfg.PreferredBackend)
	if err != nil {
		return err
	}
	m.activeBackend = backend
	m.initialized = true

	if info := m.availableBackends[backend]; info != nil {
		logging.Component("acceleration").Infof("Inference backend: %s (%s)", info.Name, info.DeviceName)
	}
	return nil
}

func (m *Manager) detectBackends() {
	m.availableBackends[BackendCPU] = &BackendInfo{
		Backend:     BackendCPU,
		Name:        "CPU",
		Available:   true,
		DeviceName:  getCPUName(),
		DeviceCount: runtime.NumCPU(),
	}

	for _, detect := range m.detectors {
		if info := detect(); info != nil {
			m.availableBackends[info.Backend] = info
		}
	}
}

func (m *Manager) selectBackend(preferred Backend) (Backend, error) {
	if preferred != BackendAuto && preferred != "" {
		if info, ok := m.availableBackends[preferred]; ok && info.Available {
			return preferred, nil
		}
		if !m.config.FallbackToCPU {
			return "", fmt.Errorf("%w: %s", ErrBackendNotAvailable, preferred)
		}
		logging.Warnf("Requested backend %s not available, falling back to CPU", preferred)
		return BackendCPU, nil
	}

	// Auto-select: CUDA > OpenVINO > CPU
	for _, backend := range []Backend{BackendCUDA, BackendOpenVINO, BackendCPU} {
		if info, ok := m.availableBackends[backend]; ok && info.Available {
			return backend, nil
		}
	}
	return BackendCPU, nil
}

// ActiveBackend returns the selected backend.
func (m *Manager) ActiveBackend() (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return "", ErrNotInitialized
	}
	return m.activeBackend, nil
}

// BackendInfo returns information about a specific backend.
func (m *Manager) BackendInfo(backend Backend) *BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableBackends[backend]
}

// AllBackends returns information about all detected backends.
func (m *Manager) AllBackends() map[Backend]*BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[Backend]*BackendInfo, len(m.availableBackends))
	for k, v := range m.availableBackends {
		result[k] = v
	}
	return result
}

// IsAccelerated returns true if a GPU/NPU backend is active.
func (m *Manager) IsAccelerated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized && m.activeBackend != BackendCPU
}

func detectCUDA() *BackendInfo {
	output, err := exec.Command("nvidia-smi", "--query-gpu=name,driver_version", "--format=csv,noheader").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(output))
}

func parseNvidiaSMI(output string) *BackendInfo {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil
	}

	info := &BackendInfo{
		Backend:     BackendCUDA,
		Name:        "NVIDIA CUDA",
		Available:   true,
		DeviceCount: len(lines),
	}
	parts := strings.Split(lines[0], ",")
	info.DeviceName = strings.TrimSpace(parts[0])
	if len(parts) >= 2 {
		info.Version = strings.TrimSpace(parts[1])
	}
	return info
}

func detectOpenVINO() *BackendInfo {
	openvinoPath := os.Getenv("INTEL_OPENVINO_DIR")
	if openvinoPath == "" {
		for _, p := range []string{"/opt/intel/openvino", "/opt/intel/openvino_2024", "/opt/intel/openvino_2023"} {
			if _, err := os.Stat(p); err == nil {
				openvinoPath = p
				break
			}
		}
	}
	if openvinoPath == "" {
		return nil
	}

	info := &BackendInfo{
		Backend:    BackendOpenVINO,
		Name:       "Intel OpenVINO",
		Available:  true,
		Version:    "unknown",
		DeviceName: detectIntelDevice(),
	}
	if data, err := os.ReadFile(filepath.Join(openvinoPath, "version.txt")); err == nil {
		info.Version = strings.TrimSpace(string(data))
	}
	if info.DeviceName != "" {
		info.DeviceCount = 1
	}
	return info
}

func detectIntelDevice() string {
	devices, _ := filepath.Glob("/sys/class/drm/card*/device/vendor")
	for _, dev := range devices {
		vendor, _ := os.ReadFile(dev)
		if strings.TrimSpace(string(vendor)) == "0x8086" { // Intel vendor ID
			return "Intel GPU"
		}
	}

	if _, err := os.Stat("/dev/accel/accel0"); err == nil {
		return "Intel NPU"
	}

	return "Intel (CPU inference)"
}

func getCPUName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "Unknown CPU"
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "Unknown CPU"
}

// ErrBackendNotAvailable is returned when a requested backend is not available.
var ErrBackendNotAvailable = errors.New("acceleration backend not available")

// ErrNotInitialized is returned when the manager is not initialized.
var ErrNotInitialized = errors.New("acceleration manager not initialized")
