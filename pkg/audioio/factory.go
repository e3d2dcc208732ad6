package audioio

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend(cfg.captureArgs()[0])
	}

	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"chunk_samples", cfg.ChunkSamples,
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendCommand:
		return NewCommandSource(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewOutput creates a new audio output with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewOutput(cfg Config, logger *slog.Logger) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend(cfg.playbackArgs()[0])
	}

	logger.Info("creating audio output",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch backend {
	case BackendMock:
		return NewMockOutput(logger), nil
	case BackendCommand:
		return NewCommandOutput(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// detectBestBackend returns the command backend when the binary is on PATH.
func detectBestBackend(binary string) Backend {
	if _, err := exec.LookPath(binary); err == nil {
		return BackendCommand
	}
	return BackendMock
}

// AvailableBackends returns the list of backends available on this host.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	cfg := DefaultConfig()
	if detectBestBackend(cfg.captureArgs()[0]) == BackendCommand {
		backends = append(backends, BackendCommand)
	}
	return backends
}
