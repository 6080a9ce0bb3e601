// Package balancer implements the proxy tier: a registry of storage nodes
// with a two-state health machine, round-robin selection over the live
// ones, and a streaming reverse proxy for blob requests.
package balancer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

var (
	hostPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,253}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{0,50}$`)
)

// State is the health of a registered node.
type State int

const (
	StateHealthy State = iota
	StateBurned
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateBurned:
		return "burned"
	default:
		return "unknown"
	}
}

// Node is a snapshot of a registered storage node.
type Node struct {
	ID          string
	Host        string
	Port        int
	Name        string
	Failures    int
	BurnedUntil time.Time // zero while healthy
	State       State
}

// Address returns host:port.
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Info converts the snapshot to its wire form.
func (n Node) Info() proto.NodeInfo {
	info := proto.NodeInfo{
		ID:          n.ID,
		Destination: proto.Destination{Host: n.Host, Port: n.Port},
		Name:        n.Name,
		State:       n.State.String(),
		Failures:    n.Failures,
	}
	if n.State == StateBurned {
		info.BurnedUntil = n.BurnedUntil.Unix()
	}
	return info
}

// NodeID derives a node's id from its address.
func NodeID(host string, port int) string {
	sum := sha1.Sum([]byte(host + ":" + strconv.Itoa(port)))
	return hex.EncodeToString(sum[:])
}

// Options configures a Registry.
type Options struct {
	RegistrationWindow time.Duration
	FailureThreshold   int
	BurnCooldown       time.Duration
	Now                func() time.Time // defaults to time.Now
}

// DefaultOptions returns a 20s window, burn after 3 failures for 60s.
func DefaultOptions() Options {
	return Options{
		RegistrationWindow: 20 * time.Second,
		FailureThreshold:   3,
		BurnCooldown:       60 * time.Second,
	}
}

type node struct {
	id          string
	host        string
	port        int
	name        string
	failures    int
	burnedUntil time.Time
}

// Registry tracks storage nodes in registration order. All state lives
// behind one mutex; burned nodes revive lazily when queried after their
// cooldown, there is no background timer.
type Registry struct {
	opts     Options
	deadline time.Time

	mu     sync.Mutex
	nodes  map[string]*node
	order  []*node
	cursor uint64
}

// NewRegistry creates an empty registry whose registration window opens now.
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	return &Registry{
		opts:     opts,
		deadline: opts.Now().Add(opts.RegistrationWindow),
		nodes:    make(map[string]*node),
	}
}

// RegistrationOpen reports whether nodes may still register.
func (r *Registry) RegistrationOpen() bool {
	return r.opts.Now().Before(r.deadline)
}

// RegistrationDeadline returns the instant the window closes.
func (r *Registry) RegistrationDeadline() time.Time {
	return r.deadline
}

// ValidateDestination checks a node's advertised address and name.
func ValidateDestination(host string, port int, name string) error {
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("%w: invalid host %q", ErrInvalidNode, host)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidNode, port)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidNode, name)
	}
	return nil
}

// Register adds a node, or for a known address updates its name and gives
// it a chance to revive. It returns the node id.
func (r *Registry) Register(host string, port int, name string) (string, error) {
	if err := ValidateDestination(host, port, name); err != nil {
		return "", err
	}
	if !r.RegistrationOpen() {
		return "", ErrRegistrationClosed
	}
	return r.add(host, port, name), nil
}

// Add registers a node without consulting the registration window. It is
// meant for nodes listed in the balancer's own configuration.
func (r *Registry) Add(host string, port int, name string) (string, error) {
	if err := ValidateDestination(host, port, name); err != nil {
		return "", err
	}
	return r.add(host, port, name), nil
}

func (r *Registry) add(host string, port int, name string) string {
	id := NodeID(host, port)
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[id]; ok {
		if name != "" {
			n.name = name
		}
		r.stateLocked(n, now)
		log.Info().Str("node", id).Str("name", n.name).Msg("storage node re-registered")
		return id
	}

	n := &node{id: id, host: host, port: port, name: name}
	r.nodes[id] = n
	r.order = append(r.order, n)
	log.Info().
		Str("node", id).
		Str("name", name).
		Str("address", net.JoinHostPort(host, strconv.Itoa(port))).
		Msg("storage node registered")
	return id
}

// stateLocked returns the node's current state, reviving it first if its
// cooldown has elapsed.
func (r *Registry) stateLocked(n *node, now time.Time) State {
	if n.burnedUntil.IsZero() {
		return StateHealthy
	}
	if now.Before(n.burnedUntil) {
		return StateBurned
	}
	n.failures = 0
	n.burnedUntil = time.Time{}
	log.Info().Str("node", n.id).Msg("storage node revived")
	return StateHealthy
}

func (r *Registry) snapshotLocked(n *node, now time.Time) Node {
	state := r.stateLocked(n, now)
	return Node{
		ID:          n.id,
		Host:        n.host,
		Port:        n.port,
		Name:        n.name,
		Failures:    n.failures,
		BurnedUntil: n.burnedUntil,
		State:       state,
	}
}

// List returns every node in registration order after a revival pass.
func (r *Registry) List() []Node {
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make([]Node, 0, len(r.order))
	for _, n := range r.order {
		nodes = append(nodes, r.snapshotLocked(n, now))
	}
	return nodes
}

// Get returns the node with id.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return r.snapshotLocked(n, r.opts.Now()), true
}

// Select picks the next live node round-robin. The live set is computed
// per call, so when membership changes between calls the rotation may skew.
func (r *Registry) Select() (Node, bool) {
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*node, 0, len(r.order))
	for _, n := range r.order {
		if r.stateLocked(n, now) == StateHealthy {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return Node{}, false
	}

	n := live[r.cursor%uint64(len(live))]
	r.cursor++
	return r.snapshotLocked(n, now), true
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// LiveCount returns the number of nodes currently eligible for selection.
func (r *Registry) LiveCount() int {
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, n := range r.order {
		if r.stateLocked(n, now) == StateHealthy {
			count++
		}
	}
	return count
}

// RecordFailure counts a failed request against a node. Reaching the
// threshold burns it for the cooldown; further failures while at or above
// the threshold push the deadline out again. Unknown ids are ignored.
func (r *Registry) RecordFailure(id string) (Node, bool) {
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	r.stateLocked(n, now)

	n.failures++
	if n.failures >= r.opts.FailureThreshold {
		n.burnedUntil = now.Add(r.opts.BurnCooldown)
		log.Warn().
			Str("node", id).
			Int("failures", n.failures).
			Time("burned_until", n.burnedUntil).
			Msg("storage node burned")
	}
	return r.snapshotLocked(n, now), true
}
