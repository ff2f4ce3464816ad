package identity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"growchamber"
)

// Mapping errors.
var (
	ErrNotFound = errors.New("hardware id not mapped")
	ErrConflict = errors.New("identity mapping conflict")
)

// Map is the single source of truth for chamberNumber <-> hardwareID
// bindings. Safe for concurrent use.
type Map struct {
	mu         sync.RWMutex
	byChamber  map[int]string
	byHardware map[string]int
}

func NewMap() *Map {
	return &Map{
		byChamber:  make(map[int]string),
		byHardware: make(map[string]int),
	}
}

// Resolve returns the chamber number bound to hardwareID, or ErrNotFound.
func (m *Map) Resolve(hardwareID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byHardware[hardwareID]
	if !ok {
		return 0, fmt.Errorf("hardware id %q: %w", hardwareID, ErrNotFound)
	}
	return n, nil
}

// HardwareID returns the hardware identity bound to a chamber number.
func (m *Map) HardwareID(chamber int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hw, ok := m.byChamber[chamber]
	return hw, ok
}

// Assign binds chamber to hardwareID. Reasserting an identical existing
// binding is a no-op; binding either side to a different counterpart
// fails with ErrConflict.
func (m *Map) Assign(chamber int, hardwareID string) error {
	if chamber < growchamber.MinChamber || chamber > growchamber.MaxChamber {
		return growchamber.Validationf("chamber number %d out of range [%d,%d]",
			chamber, growchamber.MinChamber, growchamber.MaxChamber)
	}
	if hardwareID == "" {
		return growchamber.Validationf("empty hardware id for chamber %d", chamber)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hw, ok := m.byChamber[chamber]; ok && hw != hardwareID {
		return fmt.Errorf("chamber %d already bound to %q: %w", chamber, hw, ErrConflict)
	}
	if n, ok := m.byHardware[hardwareID]; ok && n != chamber {
		return fmt.Errorf("hardware id %q already bound to chamber %d: %w", hardwareID, n, ErrConflict)
	}
	m.byChamber[chamber] = hardwareID
	m.byHardware[hardwareID] = chamber
	return nil
}

// Bindings returns all bindings ordered by chamber number ascending.
func (m *Map) Bindings() []growchamber.ChamberIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]growchamber.ChamberIdentity, 0, len(m.byChamber))
	for n, hw := range m.byChamber {
		out = append(out, growchamber.ChamberIdentity{ChamberNumber: n, HardwareID: hw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChamberNumber < out[j].ChamberNumber })
	return out
}

// Load replaces the mapping with records read from r, one
// "chamber:hardwareID" per line. Blank lines are ignored. Any malformed
// or duplicate record fails the whole load, naming the offending line;
// the existing mapping is left untouched on failure.
func (m *Map) Load(r io.Reader) error {
	byChamber := make(map[int]string)
	byHardware := make(map[string]int)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		numStr, hw, ok := strings.Cut(line, ":")
		if !ok {
			return growchamber.Validationf("mapping line %d: %q is not chamber:hardwareID", lineNo, line)
		}
		n, err := strconv.Atoi(strings.TrimSpace(numStr))
		if err != nil {
			return growchamber.Validationf("mapping line %d: bad chamber number %q", lineNo, numStr)
		}
		if n < growchamber.MinChamber || n > growchamber.MaxChamber {
			return growchamber.Validationf("mapping line %d: chamber %d out of range [%d,%d]",
				lineNo, n, growchamber.MinChamber, growchamber.MaxChamber)
		}
		hw = strings.TrimSpace(hw)
		if hw == "" {
			return growchamber.Validationf("mapping line %d: empty hardware id", lineNo)
		}
		if _, dup := byChamber[n]; dup {
			return growchamber.Validationf("mapping line %d: duplicate chamber %d", lineNo, n)
		}
		if _, dup := byHardware[hw]; dup {
			return growchamber.Validationf("mapping line %d: duplicate hardware id %q", lineNo, hw)
		}
		byChamber[n] = hw
		byHardware[hw] = n
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read mapping: %w", err)
	}

	m.mu.Lock()
	m.byChamber = byChamber
	m.byHardware = byHardware
	m.mu.Unlock()
	return nil
}

// Save writes the full mapping to w, one record per line, ordered by
// chamber number ascending for deterministic output.
func (m *Map) Save(w io.Writer) error {
	for _, b := range m.Bindings() {
		if _, err := fmt.Fprintf(w, "%d:%s\n", b.ChamberNumber, b.HardwareID); err != nil {
			return fmt.Errorf("write mapping: %w", err)
		}
	}
	return nil
}

// LoadFile reads a mapping file. A missing file yields an empty map so
// first runs work without any provisioning step.
func LoadFile(path string) (*Map, error) {
	m := NewMap()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open mapping file %q: %w", path, err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveFile atomically rewrites the mapping file.
func (m *Map) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create mapping file %q: %w", tmp, err)
	}
	if err := m.Save(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close mapping file %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
