package serial

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
)

// EventKind distinguishes port arrivals from removals.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
)

// Event is delivered by Registry.Watch in the order the OS surfaces it;
// duplicates during rapid unplug/replug are coalesced by (VID, PID, Path).
type Event struct {
	Kind EventKind
	Port PortHandle
	TS   time.Time
}

// Enumerator lists the serial-capable USB devices currently attached. The
// default implementation walks USB descriptors via gousb and resolves each
// device to its tty path through sysfs; tests substitute a scripted
// enumerator instead of touching real hardware.
type Enumerator interface {
	Enumerate() ([]PortHandle, error)
}

// Registry enumerates available serial ports, matches them against known
// VID/PID pairs, and reports arrivals/removals. It owns no port itself —
// PortHandle is a description, not a live resource.
type Registry struct {
	enum Enumerator

	mu      sync.Mutex
	known   map[string]PortHandle
	watcher *portWatcher
}

func NewRegistry(enum Enumerator) *Registry {
	return &Registry{enum: enum, known: map[string]PortHandle{}}
}

// List returns every currently enumerable port.
func (r *Registry) List() ([]PortHandle, error) {
	ports, err := r.enum.Enumerate()
	if err != nil {
		return nil, err
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports, nil
}

// Match returns every currently enumerable port whose VID/PID appears in
// the supplied lists. Either list may be empty to mean "don't care".
func (r *Registry) Match(vids, pids []uint16) ([]PortHandle, error) {
	ports, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []PortHandle
	for _, p := range ports {
		if vidOK(vids, p.VID) && pidOK(pids, p.PID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func vidOK(list []uint16, v uint16) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func pidOK(list []uint16, v uint16) bool { return vidOK(list, v) }

// Watch starts a background poller producing Added/Removed events,
// grounded on the same non-blocking, bounded-channel, debounce-and-coalesce
// shape as an interrupt-driven GPIO input: a fast producer (the poll loop)
// must never stall behind a slow consumer, and duplicate transitions
// within the debounce window collapse into one event.
func (r *Registry) Watch(ctx context.Context, pollInterval time.Duration) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return r.watcher.outQ
	}
	w := newPortWatcher(64)
	r.watcher = w
	w.Start(ctx, r, pollInterval)
	return w.outQ
}

type portWatcher struct {
	outQ  chan Event
	drops atomic.Uint32
}

// Drops reports how many watch events were discarded because the consumer
// was not keeping up.
func (w *portWatcher) Drops() uint32 { return w.drops.Load() }

func newPortWatcher(outBuf int) *portWatcher {
	return &portWatcher{outQ: make(chan Event, outBuf)}
}

func (w *portWatcher) Start(ctx context.Context, r *Registry, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	go func() {
		defer close(w.outQ)
		seen := map[string]PortHandle{}
		t := time.NewTimer(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				cur, err := r.enum.Enumerate()
				if err == nil {
					w.diff(seen, cur)
				}
				t.Reset(pollInterval)
			}
		}
	}()
}

func (w *portWatcher) diff(seen map[string]PortHandle, cur []PortHandle) {
	curSet := map[string]PortHandle{}
	for _, p := range cur {
		curSet[p.key()] = p
	}
	for k, p := range curSet {
		if _, ok := seen[k]; !ok {
			w.emit(Event{Kind: EventAdded, Port: p, TS: time.Now()})
		}
	}
	for k, p := range seen {
		if _, ok := curSet[k]; !ok {
			w.emit(Event{Kind: EventRemoved, Port: p, TS: time.Now()})
		}
	}
	for k := range seen {
		delete(seen, k)
	}
	for k, p := range curSet {
		seen[k] = p
	}
}

func (w *portWatcher) emit(ev Event) {
	select {
	case w.outQ <- ev:
	default:
		w.drops.Add(1)
	}
}

// GoUSBEnumerator resolves serial-capable USB devices to tty device paths
// by walking /sys/class/tty and matching each tty's backing USB device
// against the descriptors gousb reports.
type GoUSBEnumerator struct {
	ctx *gousb.Context
}

func NewGoUSBEnumerator() *GoUSBEnumerator {
	return &GoUSBEnumerator{ctx: gousb.NewContext()}
}

func (e *GoUSBEnumerator) Close() error { return e.ctx.Close() }

func (e *GoUSBEnumerator) Enumerate() ([]PortHandle, error) {
	var out []PortHandle
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		busAddr := busAddrKey(d.Desc.Bus, d.Desc.Address)
		for _, path := range ttyPathsForUSBDevice(busAddr) {
			out = append(out, PortHandle{
				Path: path,
				VID:  uint16(d.Desc.Vendor),
				PID:  uint16(d.Desc.Product),
			})
		}
	}
	return out, nil
}

func busAddrKey(bus, addr int) string {
	return strconv.Itoa(bus) + "-" + strconv.Itoa(addr)
}

// ttyPathsForUSBDevice walks /sys/class/tty/*/device, following the
// symlink back to its owning USB device, and returns /dev paths whose
// sysfs ancestry mentions the given bus-address fragment. Bootloader
// re-enumeration relies on exactly this mechanism to tell a board's
// application VID/PID apart from its bootloader VID/PID, since the tty
// device name alone carries no USB descriptor information.
func ttyPathsForUSBDevice(busAddrFragment string) []string {
	entries, err := os.ReadDir("/sys/class/tty")
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range entries {
		devLink := filepath.Join("/sys/class/tty", ent.Name(), "device")
		real, err := filepath.EvalSymlinks(devLink)
		if err != nil {
			continue
		}
		if strings.Contains(real, busAddrFragment) {
			out = append(out, filepath.Join("/dev", ent.Name()))
		}
	}
	return out
}
