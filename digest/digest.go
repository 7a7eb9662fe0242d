// Package digest implements the C3 digest abstraction: a per-sender
// delivery checkpoint used to pin state-transfer ordering (spec.md §4.3).
package digest

import (
	"encoding/binary"
	"fmt"
	"io"

	"groupkit/view"
)

// Entry is one sender's delivery checkpoint: the highest sequence
// number fully delivered to the application, and the highest sequence
// number merely received (possibly still buffered out of order).
type Entry struct {
	HighestDelivered uint64
	HighestReceived  uint64
}

// Digest maps address to delivery checkpoint. It is the reliability
// layer's snapshot handed up through GET_DIGEST and installed via
// OVERWRITE_DIGEST.
type Digest map[view.Address]Entry

// New builds a Digest from the given per-sender entries.
func New(entries map[view.Address]Entry) Digest {
	d := make(Digest, len(entries))
	for k, v := range entries {
		d[k] = v
	}
	return d
}

// Equal reports whether d and other contain exactly the same entries.
func (d Digest) Equal(other Digest) bool {
	if len(d) != len(other) {
		return false
	}
	for addr, e := range d {
		oe, ok := other[addr]
		if !ok || oe != e {
			return false
		}
	}
	return true
}

// Size returns the number of bytes WriteTo will emit, for framing
// budgets (spec.md §4.1).
func (d Digest) Size() int {
	// 4 bytes count, then per entry: address length-prefix + bytes + 2x8 byte counters.
	size := 4
	for addr := range d {
		size += 4 + len(addr.String()) + 8 + 8
	}
	return size
}

// WriteTo serializes d onto w.
func (d Digest) WriteTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(d))); err != nil {
		return fmt.Errorf("digest: write count: %w", err)
	}
	for addr, e := range d {
		if err := writeString(w, addr.String()); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.HighestDelivered); err != nil {
			return fmt.Errorf("digest: write highest_delivered: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, e.HighestReceived); err != nil {
			return fmt.Errorf("digest: write highest_received: %w", err)
		}
	}
	return nil
}

// ReadFrom deserializes a Digest from r, replacing d's contents.
func (d *Digest) ReadFrom(r io.Reader) error {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("digest: read count: %w", err)
	}
	out := make(Digest, count)
	for i := uint32(0); i < count; i++ {
		addrStr, err := readString(r)
		if err != nil {
			return err
		}
		var e Entry
		if err := binary.Read(r, binary.BigEndian, &e.HighestDelivered); err != nil {
			return fmt.Errorf("digest: read highest_delivered: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &e.HighestReceived); err != nil {
			return fmt.Errorf("digest: read highest_received: %w", err)
		}
		out[view.NewAddress(addrStr)] = e
	}
	*d = out
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return fmt.Errorf("digest: write string length: %w", err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return fmt.Errorf("digest: write string bytes: %w", err)
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("digest: read string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("digest: read string bytes: %w", err)
	}
	return string(buf), nil
}
