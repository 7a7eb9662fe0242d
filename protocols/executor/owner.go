package executor

import "groupkit/view"

// Owner uniquely identifies a pending submission across coordinator
// failover: the submitting address paired with that submitter's local
// request counter (spec.md §3, §4.5).
type Owner struct {
	Address   view.Address
	RequestID uint64
}
