package store

import (
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
)

const (
	journalBuffer = 4096
	journalBatch  = 256
)

type entry struct {
	order   *OrderRecord
	trade   *TradeRecord
	noMatch *NoMatchRecord
}

// Journal writes records for one run from any number of goroutines. Records
// are queued and written in batched transactions by a single goroutine so
// callers on the hot path never wait on disk.
type Journal struct {
	store *Store
	runID string

	entries chan entry
	done    chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewJournal starts the writer goroutine for a run
func (s *Store) NewJournal(runID string) *Journal {
	j := &Journal{
		store:   s,
		runID:   runID,
		entries: make(chan entry, journalBuffer),
		done:    make(chan struct{}),
	}
	go j.writeLoop()
	return j
}

func (j *Journal) RunID() string {
	return j.runID
}

func (j *Journal) RecordOrder(o OrderRecord) {
	j.enqueue(entry{order: &o})
}

func (j *Journal) RecordTrade(t TradeRecord) {
	j.enqueue(entry{trade: &t})
}

func (j *Journal) RecordNoMatch(n NoMatchRecord) {
	j.enqueue(entry{noMatch: &n})
}

// Dropped returns how many records were discarded because the queue was full
// or the journal was already closed
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) enqueue(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.entries <- e:
	default:
		j.dropped.Add(1)
	}
}

// Close flushes queued records and stops the writer
func (j *Journal) Close() {
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.entries)
		j.mu.Unlock()
	})
	<-j.done
}

func (j *Journal) writeLoop() {
	defer close(j.done)

	batch := make([]entry, 0, journalBatch)
	for e := range j.entries {
		batch = append(batch[:0], e)
	drain:
		for len(batch) < journalBatch {
			select {
			case next, ok := <-j.entries:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := j.flush(batch); err != nil {
			log.Printf("[JOURNAL] failed to write %d records: %v", len(batch), err)
		}
	}
}

func (j *Journal) flush(batch []entry) error {
	return j.store.inTx(func(tx *sql.Tx) error {
		for _, e := range batch {
			var err error
			switch {
			case e.order != nil:
				err = insertOrder(tx, j.runID, *e.order)
			case e.trade != nil:
				err = insertTrade(tx, j.runID, *e.trade)
			case e.noMatch != nil:
				err = insertNoMatch(tx, j.runID, *e.noMatch)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
