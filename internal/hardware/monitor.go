// Package hardware reads GPU and host counters for the telemetry stream and
// provides the VRAM-based GPU-layer placement heuristic used at startup.
//
// The gateway itself never depends on a concrete GPU management library;
// everything consumes the Probe interface. The default NullProbe reports
// zeroed counters, which keeps the telemetry stream well-formed on hosts
// without a supported GPU stack. A NVML-backed probe plugs in behind the
// same interface on CUDA builds.
package hardware

import "log/slog"

// ThrottleTempC is the temperature, in degrees Celsius, at or above which a
// snapshot is flagged as throttling.
const ThrottleTempC = 80

// safetyBufferBytes is VRAM held back from layer placement to leave room for
// the KV cache and scratch buffers (500 MiB).
const safetyBufferBytes = 500 * 1024 * 1024

// AllLayers is the sentinel layer count meaning "offload every layer".
const AllLayers = 99

// Snapshot is a point-in-time reading of hardware counters. Counters that a
// probe cannot read are zero.
type Snapshot struct {
	// TempC is the GPU core temperature in degrees Celsius.
	TempC int
	// VRAMTotal, VRAMUsed and VRAMFree are in bytes.
	VRAMTotal uint64
	VRAMUsed  uint64
	VRAMFree  uint64
	// PowerMilliwatts is the current board power draw.
	PowerMilliwatts uint64
	// FanPercent is the fan duty cycle, 0-100.
	FanPercent int
	// Throttling is true iff TempC >= ThrottleTempC.
	Throttling bool
}

// Probe is a read-only source of hardware counters.
type Probe interface {
	// Init prepares the probe. It returns false when the underlying
	// management library is unavailable; Snapshot then returns zeroed
	// readings.
	Init() bool
	// Snapshot reads the current counters. Never cached; each call reads
	// the hardware.
	Snapshot() Snapshot
	// Shutdown releases probe resources. Safe to call when Init failed.
	Shutdown()
}

// NullProbe is a Probe for hosts without a supported GPU management stack.
// Init always reports false and Snapshot returns the zero Snapshot.
type NullProbe struct {
	logger *slog.Logger
}

// NewNullProbe returns a NullProbe that logs its (single) unavailability
// notice through logger.
func NewNullProbe(logger *slog.Logger) *NullProbe {
	return &NullProbe{logger: logger}
}

// Init implements Probe.
func (p *NullProbe) Init() bool {
	if p.logger != nil {
		p.logger.Info("hardware: no GPU management library available, telemetry counters will read zero")
	}
	return false
}

// Snapshot implements Probe.
func (p *NullProbe) Snapshot() Snapshot { return Snapshot{} }

// Shutdown implements Probe.
func (p *NullProbe) Shutdown() {}

// MarkThrottling derives the Throttling flag from TempC. Probes call this
// after filling in the raw counters so that the flag is computed in exactly
// one place.
func (s *Snapshot) MarkThrottling() {
	s.Throttling = s.TempC >= ThrottleTempC
}

// RecommendGPULayers returns the number of model layers to offload to the
// GPU for a model of modelBytes, given the VRAM readings in snap.
//
// The model fits entirely when modelBytes <= free VRAM minus a 500 MiB
// safety buffer; AllLayers (99) is returned. Otherwise the total layer count
// is estimated from the model size (< 2 GiB -> 22 layers, < 4 GiB -> 28,
// else 32) and the proportional share that fits is returned, clamped to at
// least 1 while any buffered VRAM remains.
//
// A pure function of its inputs; callers pass a fresh Snapshot.
func RecommendGPULayers(modelBytes uint64, snap Snapshot) int {
	var available uint64
	if snap.VRAMFree > safetyBufferBytes {
		available = snap.VRAMFree - safetyBufferBytes
	}
	if available == 0 {
		return 0
	}

	if modelBytes <= available {
		return AllLayers
	}

	totalLayers := 32
	switch {
	case modelBytes < 2*1024*1024*1024:
		totalLayers = 22
	case modelBytes < 4*1024*1024*1024:
		totalLayers = 28
	}

	layers := int(float64(available) / float64(modelBytes) * float64(totalLayers))
	if layers < 1 {
		layers = 1
	}
	if layers > totalLayers {
		layers = totalLayers
	}
	return layers
}
