package delivery

import (
	"sync"

	kit "notifycore/internal/transport"
)

type ChannelStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Statistics is a point-in-time copy of the pipeline counters.
type Statistics struct {
	TotalSent      uint64                       `json:"total_sent"`
	TotalFailed    uint64                       `json:"total_failed"`
	TotalRetries   uint64                       `json:"total_retries"`
	TotalExpired   uint64                       `json:"total_expired"`
	TotalThrottled uint64                       `json:"total_throttled"`
	TotalFiltered  uint64                       `json:"total_filtered"`
	TotalDeduped   uint64                       `json:"total_deduped"`
	TotalDropped   uint64                       `json:"total_dropped"`
	QueueDepths    map[kit.Lane]int             `json:"queue_depths"`
	RetryPending   int                          `json:"retry_pending"`
	Channels       map[kit.Channel]ChannelStats `json:"channel_breakdown"`
}

type counters struct {
	mu sync.Mutex
	s  Statistics
}

func newCounters() *counters {
	return &counters{s: Statistics{Channels: map[kit.Channel]ChannelStats{}}}
}

func (c *counters) add(fn func(s *Statistics)) {
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

func (c *counters) results(rs []kit.DeliveryResult) {
	c.mu.Lock()
	for _, r := range rs {
		cs := c.s.Channels[r.Channel]
		if r.Success {
			cs.Sent++
		} else {
			cs.Failed++
		}
		c.s.Channels[r.Channel] = cs
	}
	c.mu.Unlock()
}

func (c *counters) snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.Channels = make(map[kit.Channel]ChannelStats, len(c.s.Channels))
	for k, v := range c.s.Channels {
		out.Channels[k] = v
	}
	return out
}
