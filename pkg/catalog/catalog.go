package catalog

import (
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// Catalog owns the current snapshot and its reload lifecycle
type Catalog struct {
	loader  *Loader
	current atomic.Value // *Snapshot
	version atomic.Int64
}

// New loads the catalog from dir and returns it. The initial load must
// succeed; later reload failures keep the previous snapshot.
func New(dir string) (*Catalog, error) {
	c := &Catalog{loader: NewLoader(dir)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current immutable snapshot
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load().(*Snapshot)
}

// Dir returns the catalog directory
func (c *Catalog) Dir() string {
	return c.loader.Dir()
}

// Reload loads and validates all files, then swaps the snapshot in one
// store. A failed reload publishes nothing.
func (c *Catalog) Reload() error {
	snap, err := c.loader.Load()
	if err != nil {
		return err
	}
	snap.Version = c.version.Add(1)
	c.current.Store(snap)
	util.WithComponent("catalog").WithFields(map[string]interface{}{
		"version": snap.Version,
		"devices": len(snap.devices),
		"rules":   len(snap.rules),
	}).Info("catalog loaded")
	return nil
}

// ============================================================================
// Snapshot accessors
// ============================================================================

// LookupDevice returns the device with the given id
func (s *Snapshot) LookupDevice(id string) (*Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// Devices returns all devices sorted by id
func (s *Snapshot) Devices() []*Device {
	out := make([]*Device, 0, len(s.deviceIDs))
	for _, id := range s.deviceIDs {
		out = append(out, s.devices[id])
	}
	return out
}

// Rules returns the grammar rules in declaration order
func (s *Snapshot) Rules() []Rule {
	return s.rules
}

// RuleByName returns the grammar rule with the given name
func (s *Snapshot) RuleByName(name string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Template returns the directive template for a policy kind key
func (s *Snapshot) Template(kind string) (Template, bool) {
	t, ok := s.templates[kind]
	return t, ok
}

// ResolveTargets resolves a selector to a non-empty, id-sorted device set.
// Selector forms: "all", an id, a comma-separated id list, a glob over ids,
// "kind:<kind>", or free words matched against kinds and tags ("temperature
// sensors" selects devices of kind sensor tagged temperature).
func (s *Snapshot) ResolveTargets(selector string) ([]*Device, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return nil, util.NewTargetError(selector)
	}

	if sel == "all" || sel == "*" {
		return s.Devices(), nil
	}

	if strings.Contains(sel, ",") {
		ids := util.SplitCommaSeparated(sel)
		out := make([]*Device, 0, len(ids))
		for _, id := range ids {
			d, ok := s.devices[id]
			if !ok {
				return nil, util.NewTargetError(selector)
			}
			out = append(out, d)
		}
		sortDevices(out)
		return out, nil
	}

	if kind, ok := strings.CutPrefix(sel, "kind:"); ok {
		out := s.filterDevices(func(d *Device) bool { return d.Kind == kind })
		if len(out) == 0 {
			return nil, util.NewTargetError(selector)
		}
		return out, nil
	}

	if strings.ContainsAny(sel, "*?[") {
		out := s.filterDevices(func(d *Device) bool {
			ok, err := path.Match(sel, d.ID)
			return err == nil && ok
		})
		if len(out) == 0 {
			return nil, util.NewTargetError(selector)
		}
		return out, nil
	}

	if d, ok := s.devices[sel]; ok {
		return []*Device{d}, nil
	}

	// Free words: every word must match the device's kind or one of its
	// tags. Trailing plural s is tolerated so "cameras" selects kind camera.
	words := strings.Fields(sel)
	out := s.filterDevices(func(d *Device) bool {
		for _, w := range words {
			if !wordMatches(d, w) {
				return false
			}
		}
		return true
	})
	if len(out) == 0 {
		return nil, util.NewTargetError(selector)
	}
	return out, nil
}

func (s *Snapshot) filterDevices(keep func(*Device) bool) []*Device {
	var out []*Device
	for _, id := range s.deviceIDs {
		if d := s.devices[id]; keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func wordMatches(d *Device, word string) bool {
	singular := strings.TrimSuffix(word, "s")
	if d.Kind == word || d.Kind == singular {
		return true
	}
	for _, tag := range d.Tags {
		if tag == word || tag == singular {
			return true
		}
	}
	return false
}

func sortDevices(devices []*Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
}
