// Package idgen generates random identifiers (cmd/dataflow's per-run id)
// using github.com/google/uuid, the id scheme the teacher uses
// throughout its internal/ tree.
package idgen

import "github.com/google/uuid"

// New returns a fresh random identifier string.
func New() string {
	return uuid.NewString()
}
