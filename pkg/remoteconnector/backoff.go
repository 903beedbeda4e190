package remoteconnector

import "time"

// backoffTable is the ordered reconnection delay table. It is a literal
// table, not a computed exponential curve, because the values are
// mandated exactly.
var backoffTable = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// backoffState tracks the current position in backoffTable across
// repeated reconnect failures.
type backoffState struct {
	index int
}

// next returns the delay for the current failure and advances the index,
// saturating at the table's last entry.
func (b *backoffState) next() time.Duration {
	d := backoffTable[b.index]
	if b.index < len(backoffTable)-1 {
		b.index++
	}
	return d
}

// reset clears the index back to the start of the table, called on every
// successful handshake.
func (b *backoffState) reset() {
	b.index = 0
}
