package statetransfer

import (
	"encoding/binary"
	"fmt"
	"io"

	"groupkit/digest"
	"groupkit/view"
)

// Header type tags, matching spec.md §6's wire contract for
// state-transfer headers (1=REQ, 2=RSP).
const (
	StateReq byte = 1
	StateRsp byte = 2
)

// Header is the StateHeader wire type STATE_REQ/STATE_RSP messages
// carry (spec.md §6, §4.1's "Digest is a Header component, nested,
// framed with a one-byte presence flag"). The state payload itself
// rides in the Message buffer, never in the header.
type Header struct {
	Type       byte
	ID         int64
	Sender     view.Address
	Digest     *digest.Digest
	MerkleRoot []byte // set only on StateRsp; nil when integrity checks are off or on a synthetic null response
	Compressed bool   // whether the sibling Message.Payload is snappy-compressed
}

func (h *Header) WriteTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, h.Type); err != nil {
		return fmt.Errorf("statetransfer: write type: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.ID); err != nil {
		return fmt.Errorf("statetransfer: write id: %w", err)
	}
	if err := writeString(w, h.Sender.String()); err != nil {
		return err
	}
	if h.Digest == nil {
		if err := binary.Write(w, binary.BigEndian, byte(0)); err != nil {
			return fmt.Errorf("statetransfer: write digest presence: %w", err)
		}
	} else {
		if err := binary.Write(w, binary.BigEndian, byte(1)); err != nil {
			return fmt.Errorf("statetransfer: write digest presence: %w", err)
		}
		if err := h.Digest.WriteTo(w); err != nil {
			return err
		}
	}
	if err := writeBytes(w, h.MerkleRoot); err != nil {
		return err
	}
	compressed := byte(0)
	if h.Compressed {
		compressed = 1
	}
	if err := binary.Write(w, binary.BigEndian, compressed); err != nil {
		return fmt.Errorf("statetransfer: write compressed flag: %w", err)
	}
	return nil
}

func (h *Header) ReadFrom(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &h.Type); err != nil {
		return fmt.Errorf("statetransfer: read type: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.ID); err != nil {
		return fmt.Errorf("statetransfer: read id: %w", err)
	}
	senderStr, err := readString(r)
	if err != nil {
		return err
	}
	h.Sender = view.NewAddress(senderStr)

	var present byte
	if err := binary.Read(r, binary.BigEndian, &present); err != nil {
		return fmt.Errorf("statetransfer: read digest presence: %w", err)
	}
	if present == 1 {
		var d digest.Digest
		if err := d.ReadFrom(r); err != nil {
			return err
		}
		h.Digest = &d
	} else {
		h.Digest = nil
	}

	root, err := readBytes(r)
	if err != nil {
		return err
	}
	h.MerkleRoot = root

	var compressed byte
	if err := binary.Read(r, binary.BigEndian, &compressed); err != nil {
		return fmt.Errorf("statetransfer: read compressed flag: %w", err)
	}
	h.Compressed = compressed == 1
	return nil
}

func (h *Header) Size() int {
	size := 1 + 8 // type, id
	size += 4 + len(h.Sender.String())
	size += 1 // digest presence byte
	if h.Digest != nil {
		size += h.Digest.Size()
	}
	size += 4 + len(h.MerkleRoot)
	size += 1 // compressed flag
	return size
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("statetransfer: write length: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("statetransfer: write bytes: %w", err)
	}
	return nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("statetransfer: read length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("statetransfer: read bytes: %w", err)
	}
	return buf, nil
}
