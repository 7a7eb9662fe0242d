package digest

import (
	"crypto/sha256"
	"fmt"

	"github.com/cbergoon/merkletree"
)

// chunkSize is the size state blobs are split into before hashing. Small
// enough that a single mismatching chunk is a meaningful integrity
// signal, large enough not to build a huge tree for a small state.
const chunkSize = 4096

// chunkContent adapts a byte slice to merkletree.Content.
type chunkContent struct {
	data []byte
}

func (c chunkContent) CalculateHash() ([]byte, error) {
	h := sha256.Sum256(c.data)
	return h[:], nil
}

func (c chunkContent) Equals(other merkletree.Content) (bool, error) {
	oc, ok := other.(chunkContent)
	if !ok {
		return false, fmt.Errorf("digest: content type mismatch")
	}
	return string(c.data) == string(oc.data), nil
}

func chunksOf(state []byte) []merkletree.Content {
	if len(state) == 0 {
		return []merkletree.Content{chunkContent{data: nil}}
	}
	var contents []merkletree.Content
	for off := 0; off < len(state); off += chunkSize {
		end := off + chunkSize
		if end > len(state) {
			end = len(state)
		}
		contents = append(contents, chunkContent{data: state[off:end]})
	}
	return contents
}

// MerkleRoot computes a Merkle root over fixed-size chunks of state,
// giving the requester of a state transfer a way to detect a corrupted
// or truncated transfer independent of the transport's own checks. The
// provider computes it over the same state bytes it sends, after the
// barrier has reopened and before the state is released to the network
// (see protocols/statetransfer).
func MerkleRoot(state []byte) ([]byte, error) {
	tree, err := merkletree.NewTree(chunksOf(state))
	if err != nil {
		return nil, fmt.Errorf("digest: build merkle tree: %w", err)
	}
	return tree.MerkleRoot(), nil
}

// VerifyRoot recomputes the Merkle root over state and compares it to
// root. A mismatch is reported to the caller as a boolean rather than an
// error: per spec.md §7, state-transfer integrity problems are not fatal
// to the protocol, only observable by the application.
func VerifyRoot(state []byte, root []byte) (bool, error) {
	got, err := MerkleRoot(state)
	if err != nil {
		return false, err
	}
	if len(got) != len(root) {
		return false, nil
	}
	for i := range got {
		if got[i] != root[i] {
			return false, nil
		}
	}
	return true, nil
}
