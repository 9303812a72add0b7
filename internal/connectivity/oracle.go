// Package connectivity reports the effective online/offline state.
//
// The oracle combines a network reachability signal with the persisted
// force-offline preference:
//
//	effective_online = network_reachable && !force_offline
//
// Components that care about transitions (the scheduler's reconnect
// trigger) subscribe to a channel; everyone else just asks Online().
package connectivity

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Prober checks whether the network path to the remote is usable.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// DialProber probes reachability with a TCP dial against the remote's
// address.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

// Reachable implements Prober.
func (p *DialProber) Reachable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// StaticProber always reports the same reachability; used in tests and
// when no probe address is configured.
type StaticProber bool

// Reachable implements Prober.
func (p StaticProber) Reachable(ctx context.Context) bool {
	return bool(p)
}

// Oracle derives the effective online state and notifies subscribers
// of transitions.
type Oracle struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	mu           sync.Mutex
	reachable    bool
	forceOffline bool
	subs         []chan bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Oracle.
//
// If logger is nil, a default logger writing to stderr is used.
// The initial reachability is probed lazily by Start; until then the
// oracle reports offline, which is the safe side for a cold start.
func New(prober Prober, pollInterval time.Duration, logger *log.Logger) *Oracle {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Oracle{
		prober:   prober,
		interval: pollInterval,
		logger:   logger,
	}
}

// Online returns the effective online state.
func (o *Oracle) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reachable && !o.forceOffline
}

// SetForceOffline applies the persisted user preference.
func (o *Oracle) SetForceOffline(v bool) {
	o.apply(func() { o.forceOffline = v })
}

// SetReachable overrides the probed reachability signal. Used by tests
// and by platform network-change callbacks that know better than the
// poll loop.
func (o *Oracle) SetReachable(v bool) {
	o.apply(func() { o.reachable = v })
}

// Subscribe returns a channel that receives the effective online state
// on every transition. The channel is buffered; a slow consumer misses
// intermediate flips but always observes the latest state eventually.
func (o *Oracle) Subscribe() <-chan bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan bool, 4)
	o.subs = append(o.subs, ch)
	return ch
}

// Start launches the background probe loop. Stop with Stop().
func (o *Oracle) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		// Probe once immediately so a freshly started daemon doesn't
		// sit offline for a whole interval.
		o.SetReachable(o.prober.Reachable(ctx))

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.SetReachable(o.prober.Reachable(ctx))
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (o *Oracle) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// apply runs a state mutation and notifies subscribers if the
// effective state flipped.
func (o *Oracle) apply(mutate func()) {
	o.mu.Lock()
	before := o.reachable && !o.forceOffline
	mutate()
	after := o.reachable && !o.forceOffline
	subs := o.subs
	o.mu.Unlock()

	if before == after {
		return
	}

	o.logger.Printf("Effective online state: %v", after)
	for _, ch := range subs {
		select {
		case ch <- after:
		default:
			// Subscriber is lagging; drop the intermediate flip.
		}
	}
}
