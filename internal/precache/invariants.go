package precache

import (
	"fmt"

	"github.com/hupe1980/pakcache/internal/arena"
	"github.com/hupe1980/pakcache/internal/interval"
)

// CheckInvariants verifies internal consistency: every block's reference
// count equals the number of live requests overlapping it, blocks of an
// archive never overlap, every live request sits in the index of its state,
// and waiting requests still have uncovered units. Intended for tests.
func (s *Scheduler) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type span struct {
		h           arena.Handle
		first, last uint64
	}
	blocksByArchive := make(map[*archiveState][]span)
	var err error

	s.blocks.Each(func(h arena.Handle, b *block) bool {
		first, last := s.blockRange(b)
		blocksByArchive[b.archive] = append(blocksByArchive[b.archive], span{h, first, last})

		idx := b.archive.inFlightBlocks
		if b.state == blockComplete {
			idx = b.archive.completeBlocks
		}
		if !contains(idx, uint64(h), first, last) {
			err = fmt.Errorf("block %v [%d, %d] missing from its index", h, first, last)
			return false
		}

		refs := 0
		s.requests.Each(func(_ arena.Handle, r *request) bool {
			if r.archive == b.archive && r.state <= StateComplete && r.first() <= last && r.last() >= first {
				refs++
			}
			return true
		})
		if refs != b.refs {
			err = fmt.Errorf("block %v has refs=%d, %d requests overlap it", h, b.refs, refs)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	for a, spans := range blocksByArchive {
		for i := range spans {
			for j := i + 1; j < len(spans); j++ {
				if spans[i].first <= spans[j].last && spans[j].first <= spans[i].last {
					return fmt.Errorf("blocks %v and %v overlap in %q", spans[i].h, spans[j].h, a.name)
				}
			}
		}
	}

	var waiting [numPriorities]int
	s.requests.Each(func(h arena.Handle, r *request) bool {
		a := r.archive
		if a == nil {
			return true
		}
		first, last := r.first(), r.last()
		switch r.state {
		case StateWaiting:
			waiting[r.prio]++
			if !contains(a.waiting[r.prio], uint64(h), first, last) {
				err = fmt.Errorf("waiting request %v missing from its index", h)
			} else if s.covered(a, first, last, true) {
				err = fmt.Errorf("waiting request %v is fully covered", h)
			}
		case StateInFlight:
			if !contains(a.inFlightReqs, uint64(h), first, last) {
				err = fmt.Errorf("in-flight request %v missing from its index", h)
			} else if !s.covered(a, first, last, true) {
				err = fmt.Errorf("in-flight request %v is not covered", h)
			}
		case StateComplete:
			if !contains(a.completeReqs, uint64(h), first, last) {
				err = fmt.Errorf("complete request %v missing from its index", h)
			} else if !s.covered(a, first, last, false) {
				err = fmt.Errorf("complete request %v is not covered by complete blocks", h)
			}
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	if waiting != s.waitingCount {
		return fmt.Errorf("waiting counts %v, tracked %v", waiting, s.waitingCount)
	}
	return nil
}

func contains(idx *interval.Index, id, first, last uint64) bool {
	found := false
	idx.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		if it.ID == id && it.Start == first && it.End == last {
			found = true
			return interval.Stop
		}
		return interval.Continue
	})
	return found
}
