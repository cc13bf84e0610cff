package upload

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryDelays is the delay before each chunk retry, as resumable upload
// clients conventionally schedule them.
var DefaultRetryDelays = []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}

// delayTable is a backoff.BackOff that walks a fixed list of delays and then stops.
type delayTable struct {
	delays []time.Duration
	next   int
}

var _ backoff.BackOff = (*delayTable)(nil)

func newDelayTable(delays []time.Duration) *delayTable {
	return &delayTable{delays: delays}
}

func (d *delayTable) NextBackOff() time.Duration {
	if d.next >= len(d.delays) {
		return backoff.Stop
	}
	delay := d.delays[d.next]
	d.next++
	return delay
}

func (d *delayTable) Reset() { d.next = 0 }
