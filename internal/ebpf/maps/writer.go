// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import "github.com/cilium/ebpf"

// Writer adapts a single *ebpf.Map to the minimal typed key/value
// Update/Delete surface internal/flowsteer's installers write through
// (their MapWriter interface), so the Flow-Steering Core never has to
// import this package's richer Registry type directly.
type Writer struct {
	m *ebpf.Map
}

// NewWriter wraps m.
func NewWriter(m *ebpf.Map) *Writer {
	return &Writer{m: m}
}

// Update writes key/value into the underlying map.
func (w *Writer) Update(key, value any) error {
	return w.m.Update(key, value, ebpf.UpdateAny)
}

// Delete removes key from the underlying map.
func (w *Writer) Delete(key any) error {
	return w.m.Delete(key)
}
