package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// tripThreshold is the number of consecutive failures that opens a
// host's breaker.
const tripThreshold = 5

type breaker struct {
	*circuit.Breaker
	host string
}

// Call runs fn through the breaker. An open breaker surfaces as
// ErrUpstreamDown.
func (b *breaker) Call(fn func() error, timeout time.Duration) error {
	err := b.Breaker.Call(fn, timeout)
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return fmt.Errorf("circuit breaker open for %s: %w", b.host, ErrUpstreamDown)
	}
	return err
}

// breaker returns or creates the circuit breaker for host.
func (c *Client) breaker(host string) *breaker {
	c.mu.RLock()
	b, ok := c.breakers[host]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = &breaker{
		Breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(tripThreshold),
		}),
		host: host,
	}
	c.breakers[host] = b
	return b
}

// BreakerStates reports "open" or "closed" per upstream host.
func (c *Client) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for host, b := range c.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// hostOf groups URLs by host for circuit breaking.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
