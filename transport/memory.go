// Package transport provides an in-process, goroutine-based Transport
// for exercising a core.IBFT network end-to-end without a real network
// stack: used by integration tests and examples to drive the scenarios
// the core's own package cannot, since core deliberately has no
// networking dependency of its own.
package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pikaneli/ibft/messages"
)

// Receiver is the inbound half of a participant's transport binding.
// core.IBFT satisfies this with its Deliver method; Network depends
// only on this interface so it never needs to import core.
type Receiver interface {
	Deliver(message *messages.Message)
}

// Network is a shared in-process message bus for a fixed set of
// participants, each registered under its validator id. It is the
// reference Transport implementation named in the external-interfaces
// design: real deployments swap it for a networked one behind the same
// core.Transport interface.
type Network struct {
	mu        sync.Mutex
	receivers map[uint64]Receiver
	wg        sync.WaitGroup

	rng     *rand.Rand
	lossP   float64
	dupP    float64
	minJit  time.Duration
	maxJit  time.Duration
}

// Option configures a Network's fault-injection behavior.
type Option func(*Network)

// WithLoss drops each asynchronously delivered message independently
// with probability p.
func WithLoss(p float64) Option {
	return func(n *Network) { n.lossP = p }
}

// WithDuplication redelivers each asynchronously delivered message a
// second time, independently, with probability p.
func WithDuplication(p float64) Option {
	return func(n *Network) { n.dupP = p }
}

// WithJitter delays each asynchronously delivered message by a
// uniformly random duration in [min, max), simulating reordering
// across concurrent deliveries.
func WithJitter(min, max time.Duration) Option {
	return func(n *Network) { n.minJit, n.maxJit = min, max }
}

// WithSeed fixes the network's fault-injection randomness, for
// reproducible test runs.
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

// NewNetwork creates an empty, reliable (no loss/duplication/jitter)
// network; apply Options to simulate an imperfect one.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		receivers: make(map[uint64]Receiver),
		rng:       rand.New(rand.NewSource(1)),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Register binds id's inbound Deliver path to the network.
func (n *Network) Register(id uint64, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.receivers[id] = r
}

// Link returns the core.Transport binding for participant id: Send and
// Broadcast calls made through it are routed through this Network.
func (n *Network) Link(id uint64) *Link {
	return &Link{id: id, net: n}
}

// Wait blocks until every asynchronously scheduled delivery has
// completed. Tests call this before asserting on participant state, so
// jitter/loss/duplication goroutines can't race the assertion.
func (n *Network) Wait() {
	n.wg.Wait()
}

func (n *Network) receiver(id uint64) (Receiver, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.receivers[id]

	return r, ok
}

func (n *Network) recipients(except uint64) []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]uint64, 0, len(n.receivers))
	for id := range n.receivers {
		if id != except {
			ids = append(ids, id)
		}
	}

	return ids
}

// roll draws the network's next fault-injection decisions under its own
// lock: rand.Rand is not safe for concurrent use, and fan-out delivers
// to many recipients concurrently.
func (n *Network) roll() (dropped, duplicated bool, jitter time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dropped = n.lossP > 0 && n.rng.Float64() < n.lossP
	duplicated = n.dupP > 0 && n.rng.Float64() < n.dupP

	if n.maxJit > n.minJit {
		jitter = n.minJit + time.Duration(n.rng.Int63n(int64(n.maxJit-n.minJit)))
	} else {
		jitter = n.minJit
	}

	return dropped, duplicated, jitter
}

func (n *Network) deliverAsync(to uint64, message *messages.Message) {
	defer n.wg.Done()

	recv, ok := n.receiver(to)
	if !ok {
		return
	}

	dropped, duplicated, jitter := n.roll()
	if dropped {
		return
	}

	if jitter > 0 {
		time.Sleep(jitter)
	}

	recv.Deliver(message)

	if duplicated {
		recv.Deliver(message)
	}
}

// fanOut schedules asynchronous delivery of message to every registered
// participant except from.
func (n *Network) fanOut(from uint64, message *messages.Message) {
	for _, to := range n.recipients(from) {
		n.wg.Add(1)

		go n.deliverAsync(to, message)
	}
}

// Link is one participant's core.Transport binding onto a Network.
type Link struct {
	id  uint64
	net *Network
}

// Send delivers message to exactly one recipient, asynchronously and
// subject to the network's fault injection, same as a Broadcast leg. A
// Send to this participant's own id is delivered synchronously, with no
// fault injection.
func (l *Link) Send(to uint64, message *messages.Message) {
	if to == l.id {
		if recv, ok := l.net.receiver(l.id); ok {
			recv.Deliver(message)
		}

		return
	}

	l.net.wg.Add(1)

	go l.net.deliverAsync(to, message)
}

// Broadcast delivers message to this participant's own instance
// synchronously (the core.Transport contract every engine in core
// relies on: a participant counts its own vote even if every other
// message is lost) and fans it out to every other registered
// participant asynchronously.
func (l *Link) Broadcast(message *messages.Message) {
	if recv, ok := l.net.receiver(l.id); ok {
		recv.Deliver(message)
	}

	l.net.fanOut(l.id, message)
}
