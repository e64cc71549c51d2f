package idgen

import "fmt"

// Layout describes a Snowflake bit allocation. The invariant
// timestampBits + workerIdBits + sequenceBits == 63 must hold (bit 63 is the
// sign bit and is always zero).
type Layout struct {
	EpochMillis   int64
	TimestampBits uint
	WorkerIdBits  uint
	SequenceBits  uint
}

// Validate checks the layout invariant.
func (l Layout) Validate() error {
	total := l.TimestampBits + l.WorkerIdBits + l.SequenceBits
	if total != 63 {
		return fmt.Errorf("idgen: layout bits must sum to 63, got %d (timestamp=%d worker=%d sequence=%d)",
			total, l.TimestampBits, l.WorkerIdBits, l.SequenceBits)
	}
	return nil
}

// MaxWorkerId returns 2^WorkerIdBits - 1.
func (l Layout) MaxWorkerId() int64 { return (int64(1) << l.WorkerIdBits) - 1 }

// SequenceMask returns 2^SequenceBits - 1.
func (l Layout) SequenceMask() int64 { return (int64(1) << l.SequenceBits) - 1 }

// LifespanMillis returns the approximate number of milliseconds from the
// epoch before the timestamp field wraps.
func (l Layout) LifespanMillis() int64 { return int64(1) << l.TimestampBits }

// Named presets, each satisfying the timestampBits+workerIdBits+sequenceBits=63
// invariant. Any other layout satisfying the invariant is equally valid;
// these five are simply the ones spec.md §3 requires to be available
// out of the box.

// Twitter2010Epoch mirrors the original Snowflake: 41/10/12, epoch
// 2010-11-04 (Twitter's snowflake epoch), ~69 years of lifespan.
var Twitter2010Epoch = Layout{
	EpochMillis:   1288834974657,
	TimestampBits: 41,
	WorkerIdBits:  10,
	SequenceBits:  12,
}

// Discord2015Epoch mirrors Discord's snowflake: 42/10/11, epoch
// 2015-01-01, favoring sequence throughput per worker slightly less
// than Twitter's, workers unchanged.
var Discord2015Epoch = Layout{
	EpochMillis:   1420070400000,
	TimestampBits: 42,
	WorkerIdBits:  10,
	SequenceBits:  11,
}

// Y2020Epoch anchors to 2020-01-01 (matches the teacher's own TSID epoch)
// with 41/8/14: fewer workers, more per-millisecond throughput per worker.
var Y2020Epoch = Layout{
	EpochMillis:   1577836800000,
	TimestampBits: 41,
	WorkerIdBits:  8,
	SequenceBits:  14,
}

// WideWorkerRange favors a large worker population (16 bits, 65536
// workers) at the cost of per-worker sequence throughput: 39/16/8.
var WideWorkerRange = Layout{
	EpochMillis:   1577836800000,
	TimestampBits: 39,
	WorkerIdBits:  16,
	SequenceBits:  8,
}

// LongLifespan maximizes timestamp bits (45) for a ~1100-year lifespan
// from epoch, at the cost of worker/sequence space: 45/6/12.
var LongLifespan = Layout{
	EpochMillis:   1577836800000,
	TimestampBits: 45,
	WorkerIdBits:  6,
	SequenceBits:  12,
}
