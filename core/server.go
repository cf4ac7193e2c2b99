package core

import (
	"fmt"
	"os"
	"time"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// ServerConfig is everything the server reads out of the command line.
type ServerConfig struct {
	// RootDir is the directory served read-only. Requests never leave it.
	RootDir   string
	BlockSize int

	// IdleTimeout evicts sessions that saw no datagram for this long.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Retries > 0 turns on retransmission of unacknowledged blocks.
	Retries           int
	RetransmitTimeout time.Duration

	// loss simulation for outgoing datagrams
	MarkovP float64
	MarkovQ float64

	// InboxSize bounds the per-session queue of pending acknowledgments.
	InboxSize int
}

var DefaultServerConfig = ServerConfig{
	RootDir:           "./",
	BlockSize:         messages.BlockSize,
	IdleTimeout:       30 * time.Second,
	SweepInterval:     5 * time.Second,
	Retries:           0,
	RetransmitTimeout: 2 * time.Second,
	InboxSize:         8,
}

// The values should be sanity checked before starting a server.
func (c *ServerConfig) Validate() error {
	info, err := os.Stat(c.RootDir)
	if err != nil {
		return fmt.Errorf("root dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root dir %q is not a directory", c.RootDir)
	}
	if c.BlockSize <= 0 || c.BlockSize > 65464 {
		return fmt.Errorf("block size must be between 1 and 65464, got %d", c.BlockSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.Retries > 0 && c.RetransmitTimeout <= 0 {
		return fmt.Errorf("retransmit timeout must be positive when retries are enabled")
	}
	if err := validateMarkov(c.MarkovP, c.MarkovQ); err != nil {
		return err
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("inbox size must be positive, got %d", c.InboxSize)
	}
	return nil
}

func validateMarkov(p, q float64) error {
	if p > 1 || p < 0 || q > 1 || q < 0 {
		return fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	return nil
}
