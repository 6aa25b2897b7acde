// Package inventory implements C3: the device base contract, the family-
// code factory registry, and the inventory of live devices and aliases.
// Grounded in the source's device/base.py (OwDevice), __init__.py's
// DeviceFactory/DeviceInventory, and the teacher's registry.go
// (RegisterBuilder/lookupBuilder) generalized from a single global map to
// one per Inventory so tests can run in isolation.
package inventory

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owerr"
)

// Channel is the minimal shape the inventory and action handlers need
// from a device's sub-channel; concrete device packages implement richer
// interfaces (see internal/devices/pio.Channel) that also satisfy this one.
type Channel interface {
	Name() string
	IsOutput() bool
}

// Device is the polymorphic entity every family-specific implementation
// satisfies — the Go generalization of OwDevice/OwPIODevice/etc: a tagged
// variant plus an interface capability set, per spec §9.
type Device interface {
	ID() string
	Alias() string
	Config(cfg *owconfig.Config) error
	OnSeen(ts time.Time)
	OnAlarm(ts time.Time)
	// Simultaneous returns the coordinated-batch tag this device
	// participates in ("temperature"), or "" for none.
	Simultaneous() string
	Channels() []Channel
}

// Lostable is implemented by devices that track a lost/seen liveness flag;
// internal/master's scan loop drives it. Separated from Device
// because pseudo-devices (bus/statistics) don't participate in lost
// tracking.
type Lostable interface {
	SetLost(bool)
	Lost() bool
}

// Builder constructs a new Device for a freshly-seen ID.
type Builder func(id string) Device

// Factory holds the family-code -> Builder registry and turns raw IDs
// into configured Device instances.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	cfg      *owconfig.Config
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register adds a builder for a family code. Registering the same family
// twice panics — a programming error caught at init time, mirroring the
// teacher's RegisterBuilder and the source's DeviceFactory.register
// assertion.
func (f *Factory) Register(familyCode string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[familyCode]; exists {
		panic("owmaster/inventory: duplicate device builder for family " + familyCode)
	}
	f.builders[familyCode] = b
}

// Create instantiates and configures a device for id, or returns
// (nil, false, nil) if the family code has no registered builder.
func (f *Factory) Create(id string, cfg *owconfig.Config) (Device, bool, error) {
	f.mu.RLock()
	b, ok := f.builders[FamilyCode(id)]
	f.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	dev := b(id)
	// Configuration errors are per-device: the device is still returned,
	// and the caller reports the error.
	return dev, true, dev.Config(cfg)
}

// entry is either a live Device or the "unsupported" sentinel (nil dev
// with supported==false), mirroring the source's False-in-dict trick.
type entry struct {
	dev       Device
	supported bool
}

// Inventory holds all known devices keyed by ID, plus the alias map.
type Inventory struct {
	mu      sync.Mutex
	factory *Factory
	devices map[string]*entry
	aliases map[string]string
	onError func(id string, err error)
}

func New(factory *Factory) *Inventory {
	return &Inventory{
		factory: factory,
		devices: make(map[string]*entry),
		aliases: make(map[string]string),
		onError: func(string, error) {},
	}
}

// OnConfigError installs a callback invoked when a device fails to
// (re)configure; it is never fatal to the inventory.
func (inv *Inventory) OnConfigError(f func(id string, err error)) { inv.onError = f }

// Find returns the device for idOrPath, extracting a canonical ID from a
// path if needed. If create is true and the device is unknown, it is
// created via the factory (nil, sentinel cached on unsupported family).
func (inv *Inventory) Find(idOrPath string, create bool, cfg *owconfig.Config) Device {
	id := IDFromPath(idOrPath)
	if id == "" {
		return nil
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	e, ok := inv.devices[id]
	if !ok {
		if !create {
			return nil
		}
		e = inv.createLocked(id, cfg)
	}
	if !e.supported {
		return nil
	}
	return e.dev
}

func (inv *Inventory) createLocked(id string, cfg *owconfig.Config) *entry {
	dev, ok, err := inv.factory.Create(id, cfg)
	if err != nil {
		inv.onError(id, owerr.Config("create", err.Error()))
	}
	var e *entry
	if !ok {
		e = &entry{supported: false}
	} else {
		e = &entry{dev: dev, supported: true}
		if dev.Alias() != "" {
			inv.addAliasLocked(dev.Alias(), id)
		}
	}
	inv.devices[id] = e
	return e
}

func (inv *Inventory) addAliasLocked(alias, id string) {
	if existing, ok := inv.aliases[alias]; ok && existing != id {
		// Duplicate alias: last write wins, per spec §3.
	}
	inv.aliases[alias] = id
}

// Refresh creates any devices named in the config's devices/devices:aliases
// sections that are not yet known, re-configures all pre-existing ones
// (config errors are reported via onError but never fatal), and rebuilds
// the alias map from scratch — grounded in DeviceInventory.refresh_config.
func (inv *Inventory) Refresh(cfg *owconfig.Config) {
	configured := make(map[string]bool)
	for k := range cfg.Map("devices") {
		configured[k] = true
	}
	for k := range cfg.Map("devices", "aliases") {
		configured[k] = true
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.aliases = make(map[string]string)

	justCreated := make(map[string]bool)
	for id := range configured {
		if !IsOwID(id) {
			continue
		}
		if _, known := inv.devices[id]; !known {
			inv.createLocked(id, cfg)
			justCreated[id] = true
		}
	}

	for id, e := range inv.devices {
		if !e.supported || justCreated[id] {
			continue
		}
		if err := e.dev.Config(cfg); err != nil {
			inv.onError(id, owerr.Config("refresh", err.Error()))
		}
		if e.dev.Alias() != "" {
			inv.addAliasLocked(e.dev.Alias(), id)
		}
	}
}

// ResolveTarget finds a device by ID or alias, plus an optional channel
// within it, per the source's resolve_target.
func (inv *Inventory) ResolveTarget(tgt string) (Device, Channel, error) {
	devRef, chName, ok := ParseTarget(tgt)
	if !ok {
		return nil, nil, owerr.Config("resolve_target", "cannot parse target "+tgt)
	}

	inv.mu.Lock()
	e, known := inv.devices[devRef]
	if !known {
		if id, aliased := inv.aliases[devRef]; aliased {
			e, known = inv.devices[id]
		}
	}
	inv.mu.Unlock()

	if !known || !e.supported {
		return nil, nil, owerr.Config("resolve_target", "device not found: "+devRef)
	}

	var ch Channel
	if chName != "" {
		for _, c := range e.dev.Channels() {
			if c.Name() == chName {
				ch = c
				break
			}
		}
		if ch == nil {
			return e.dev, nil, owerr.Config("resolve_target", "channel not found: "+chName)
		}
	}
	return e.dev, ch, nil
}

// List returns every known, supported device, in a deterministic order
// (sorted by ID) for reproducible logs and tests.
func (inv *Inventory) List() []Device {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	ids := make([]string, 0, len(inv.devices))
	for _, id := range maps.Keys(inv.devices) {
		if inv.devices[id].supported {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, inv.devices[id].dev)
	}
	return out
}

// Size returns the count of known entries, supported or not.
func (inv *Inventory) Size() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.devices)
}
