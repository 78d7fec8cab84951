// Package query implements QueryHelpers: thin lazy joins
// over a Domain that let external collaborators (the HTTP/gRPC query
// surfaces, out of scope here) page through tag-indexed results without
// eager loading.
package query

import (
	"github.com/txpipe/dolos/internal/store/archive"
	"github.com/txpipe/dolos/internal/store/index"
)

// Helpers composes the archive and index stores to provide
// on-demand joins; it holds no state of its own.
type Helpers struct {
	Archive *archive.Store
	Index   *index.Store
}

func New(a *archive.Store, i *index.Store) *Helpers {
	return &Helpers{Archive: a, Index: i}
}

// BlocksWithTag scans slots_by_tag(dim, key, range) and resolves each
// slot to a block only when fn is called on it, so a caller can
// paginate or terminate early without paying for the whole range.
func (h *Helpers) BlocksWithTag(dim string, tagKey []byte, startSlot, endSlot uint64, fn func(archive.Block) (keepGoing bool, err error)) error {
	stop := false
	err := h.Index.SlotsByTag(dim, tagKey, startSlot, endSlot, func(slot uint64) error {
		if stop {
			return nil
		}
		blk, ok, err := h.Archive.BlockBySlot(slot)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		keepGoing, err := fn(blk)
		if err != nil {
			return err
		}
		if !keepGoing {
			stop = true
		}
		return nil
	})
	return err
}

// UtxoRefsWithTag resolves the current UTxO set carrying (dim, lookupKey)
// and returns each ref in its canonical 36-byte encoding. UTxO bodies
// are not loaded.
func (h *Helpers) UtxoRefsWithTag(dim string, lookupKey []byte) (map[[36]byte]struct{}, error) {
	refs, err := h.Index.UtxosByTag(dim, lookupKey)
	if err != nil {
		return nil, err
	}
	out := make(map[[36]byte]struct{}, len(refs))
	for ref := range refs {
		out[ref.Encode()] = struct{}{}
	}
	return out, nil
}
