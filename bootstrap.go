package mqstore

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// bootstrap recovers in-memory state from the durable stores before the
// persistence serves traffic: per-queue size counters, payload store
// reference counts for every surviving publish, and the entry index
// watermark. Buckets are scanned concurrently; each goroutine only touches
// its own bucket's maps.
func (s *Store) bootstrap() error {
	maxIndex := make([]uint64, len(s.buckets))

	g := new(errgroup.Group)
	for i, b := range s.buckets {
		i, b := i, b
		g.Go(func() error {
			return b.env.readOnly(func(c *cursor) error {
				for ok := c.first(); ok; ok = c.next() {
					if _, _, err := decodeQueueKey(c.key()); err != nil {
						return fmt.Errorf("bootstrap bucket %d: %w", i, err)
					}
					key := string(c.key()[:len(c.key())-indexLen])
					b.sizes[key]++
					if index := decodeIndex(c.key()); index > maxIndex[i] {
						maxIndex[i] = index
					}
					entry, err := decodeEntry(c.value())
					if err != nil {
						return fmt.Errorf("bootstrap bucket %d: %w", i, err)
					}
					if p, ok := entry.(*Publish); ok {
						s.payloads.IncrementReferenceCounterOnBootstrap(p.PayloadID)
					}
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	watermark := indexWatermarkBase
	for _, m := range maxIndex {
		if m > watermark {
			watermark = m
		}
	}
	s.nextIdx.Store(watermark)
	return nil
}
