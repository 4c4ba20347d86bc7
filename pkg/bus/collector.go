package bus

import "github.com/cuemby/tmcagent/pkg/metrics"

// Collector mirrors bus traffic into Prometheus counters, counting every
// message it observes by kind. Reconciliation cycles are counted by the
// reconcilers themselves, not here.
type Collector struct {
	bus  *Bus
	sub  Subscription
	stop chan struct{}
}

// NewCollector subscribes c to b. Call Start to begin consuming.
func NewCollector(b *Bus) *Collector {
	return &Collector{
		bus:  b,
		sub:  b.Subscribe(),
		stop: make(chan struct{}),
	}
}

// Start consumes bus messages in a background goroutine until Stop is called.
func (c *Collector) Start() {
	go func() {
		for {
			select {
			case msg, ok := <-c.sub:
				if !ok {
					return
				}
				c.observe(msg)
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends collection and unsubscribes from the bus.
func (c *Collector) Stop() {
	close(c.stop)
	c.bus.Unsubscribe(c.sub)
}

func (c *Collector) observe(msg Message) {
	metrics.BusMessagesPublishedTotal.WithLabelValues(string(msg.Kind)).Inc()
}
