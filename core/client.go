package core

import (
	"fmt"
	"time"
)

type ClientConfig struct {
	Mode string
	// Timeout is how long to wait for the next DATA frame before resending.
	Timeout         time.Duration
	Retransmissions int
	MarkovP         float64
	MarkovQ         float64
}

var DefaultClientConfig = ClientConfig{
	Mode:            "octet",
	Timeout:         3 * time.Second,
	Retransmissions: 5,
}

func (c *ClientConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.Retransmissions < 0 {
		return fmt.Errorf("retransmissions must not be negative, got %d", c.Retransmissions)
	}
	return validateMarkov(c.MarkovP, c.MarkovQ)
}
