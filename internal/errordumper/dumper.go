// Package errordumper contains an error counter that periodically invokes a callback if errors were added.
package errordumper

import (
	"sync"
	"time"
)

const (
	defaultPeriod = 1 * time.Second
)

// Dumper is a counter that periodically invokes a callback if errors were added.
type Dumper struct {
	OnReport func(v uint64, last error)
	Period   time.Duration

	mutex   sync.Mutex
	counter uint64
	last    error

	terminate chan struct{}
	done      chan struct{}
}

// Start starts the counter.
func (c *Dumper) Start() {
	if c.Period == 0 {
		c.Period = defaultPeriod
	}

	c.terminate = make(chan struct{})
	c.done = make(chan struct{})

	go c.run()
}

// Stop stops the counter.
func (c *Dumper) Stop() {
	close(c.terminate)
	<-c.done
}

// Add adds an error to the counter.
func (c *Dumper) Add(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.counter++
	c.last = err
}

func (c *Dumper) run() {
	defer close(c.done)

	t := time.NewTicker(c.Period)
	defer t.Stop()

	for {
		select {
		case <-c.terminate:
			return

		case <-t.C:
			c.mutex.Lock()
			counter := c.counter
			last := c.last
			c.counter = 0
			c.last = nil
			c.mutex.Unlock()

			if counter != 0 {
				c.OnReport(counter, last)
			}
		}
	}
}
