// Package resources performs CPU admission control for new egress jobs
package resources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// CPUCost is the number of cores reserved per request type
type CPUCost struct {
	RoomComposite  float64 `mapstructure:"room_composite"`
	TrackComposite float64 `mapstructure:"track_composite"`
	Track          float64 `mapstructure:"track"`
}

// Config holds admission settings
type Config struct {
	CPUCost           CPUCost `mapstructure:"cpu_cost"`
	MaxCPUUtilization float64 `mapstructure:"max_cpu_utilization"` // fraction of cores, 0 < x <= 1
	// Cores overrides the detected logical core count
	Cores float64 `mapstructure:"cores"`
}

// DefaultConfig returns the admission defaults
func DefaultConfig() Config {
	return Config{
		CPUCost: CPUCost{
			RoomComposite:  3,
			TrackComposite: 2,
			Track:          1,
		},
		MaxCPUUtilization: 0.8,
	}
}

// Reservation is the capacity held by one egress
type Reservation struct {
	EgressID string
	Kind     models.RequestKind
	Cores    float64
}

// Manager tracks CPU reservations against host capacity
type Manager struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation
	reserved     float64
	capacity     float64
	costs        map[models.RequestKind]float64
}

// NewManager sizes capacity from the host core count (gopsutil) unless cfg.Cores is set
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.MaxCPUUtilization <= 0 || cfg.MaxCPUUtilization > 1 {
		cfg.MaxCPUUtilization = def.MaxCPUUtilization
	}
	if cfg.CPUCost.RoomComposite <= 0 {
		cfg.CPUCost.RoomComposite = def.CPUCost.RoomComposite
	}
	if cfg.CPUCost.TrackComposite <= 0 {
		cfg.CPUCost.TrackComposite = def.CPUCost.TrackComposite
	}
	if cfg.CPUCost.Track <= 0 {
		cfg.CPUCost.Track = def.CPUCost.Track
	}

	cores := cfg.Cores
	if cores <= 0 {
		n, err := cpu.Counts(true)
		if err != nil {
			return nil, fmt.Errorf("failed to count cpus: %w", err)
		}
		cores = float64(n)
	}

	return &Manager{
		reservations: make(map[string]*Reservation),
		capacity:     cores * cfg.MaxCPUUtilization,
		costs: map[models.RequestKind]float64{
			models.RequestKindRoomComposite:  cfg.CPUCost.RoomComposite,
			models.RequestKindTrackComposite: cfg.CPUCost.TrackComposite,
			models.RequestKindTrack:          cfg.CPUCost.Track,
		},
	}, nil
}

// Cost returns the cores a request type reserves
func (m *Manager) Cost(kind models.RequestKind) float64 {
	return m.costs[kind]
}

// Reserve holds capacity for egressID or fails with ResourceExhausted
func (m *Manager) Reserve(egressID string, kind models.RequestKind) error {
	cost, ok := m.costs[kind]
	if !ok {
		return models.Errorf(models.KindValidation, "admission", "unknown request type %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[egressID]; exists {
		return models.Errorf(models.KindDuplicateID, "admission", "egress %s already has a reservation", egressID)
	}
	if m.reserved+cost > m.capacity {
		return models.Errorf(models.KindResourceExhausted, "admission",
			"insufficient CPU: need %.2f, available %.2f", cost, m.capacity-m.reserved)
	}

	m.reserved += cost
	m.reservations[egressID] = &Reservation{EgressID: egressID, Kind: kind, Cores: cost}
	return nil
}

// Release returns the capacity held by egressID. Unknown ids are ignored.
func (m *Manager) Release(egressID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, exists := m.reservations[egressID]
	if !exists {
		return
	}
	m.reserved -= res.Cores
	if m.reserved < 0 {
		m.reserved = 0
	}
	delete(m.reservations, egressID)
}

// Reserved returns the cores currently held
func (m *Manager) Reserved() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reserved
}

// Capacity returns the cores available for reservation in total
func (m *Manager) Capacity() float64 {
	return m.capacity
}

// Reservations returns a copy of the current reservations ordered by id
func (m *Manager) Reservations() []Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Reservation, 0, len(m.reservations))
	for _, res := range m.reservations {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EgressID < out[j].EgressID })
	return out
}

// Usage is a host load snapshot for health reporting
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ReservedCPU   float64 `json:"reserved_cpu"`
	CapacityCPU   float64 `json:"capacity_cpu"`
}

// Usage samples host CPU and memory. Sampling errors leave fields at zero.
func (m *Manager) Usage() Usage {
	u := Usage{ReservedCPU: m.Reserved(), CapacityCPU: m.capacity}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.MemoryPercent = vm.UsedPercent
	}
	return u
}
