package atem

import (
	"log"
	"sync"
)

// The process-wide switcher registry, keyed by the id string from the
// control config ("IPv4 = a.b.c.d"). The first FindOrCreate initializes it;
// releasing the last handle tears the connection down.

// Dialer connects to a switcher by id. The daemon installs one at startup;
// tests install fakes.
type Dialer func(id string) (CameraControl, error)

var registry struct {
	mu     sync.Mutex
	dialer Dialer
	atems  map[string]*registryEntry
}

type registryEntry struct {
	atem *Atem
	refs int
}

// DialerSet installs the switcher connector used for new ids.
func DialerSet(d Dialer) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.dialer = d
}

// FindOrCreate returns the shared switcher handle for id, connecting on
// first use. Every successful call must be matched by a Release.
func FindOrCreate(id string) *Atem {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.atems == nil {
		registry.atems = make(map[string]*registryEntry)
	}

	if entry, ok := registry.atems[id]; ok {
		entry.refs++
		return entry.atem
	}

	if registry.dialer == nil {
		log.Printf("[atem] no switcher dialer installed")
		return nil
	}

	ctrl, err := registry.dialer(id)
	if err != nil {
		log.Printf("[atem] connect %q: %v", id, err)
		return nil
	}

	a := &Atem{id: id, ctrl: ctrl}
	registry.atems[id] = &registryEntry{atem: a, refs: 1}
	log.Printf("[atem] connected to %q", id)
	return a
}

// Release drops one reference; the connection closes with the last one.
func Release(a *Atem) {
	if a == nil {
		return
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	entry, ok := registry.atems[a.id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}

	delete(registry.atems, a.id)
	if err := a.ctrl.Close(); err != nil {
		log.Printf("[atem] close %q: %v", a.id, err)
	}
}
