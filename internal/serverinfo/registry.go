// Package serverinfo implements the Server Info Center: a read-mostly,
// periodically refreshed directory of live peer nodes, indexed by node
// type and service id, with pluggable selection policies for
// service-addressed sends.
package serverinfo

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Policy picks one entry out of a candidate set.
type Policy int

const (
	RoundRobin Policy = iota
	Random
	LeastLoaded
	ByKey
)

// Entry describes one peer node's address and advertised service.
type Entry struct {
	NodeId    string
	Type      string
	ServiceId uint16
	Address   string
	Weight    int
	LastSeen  time.Time
}

// Registry is the Server Info Center.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry // nodeId -> entry; assumes one service per node
	byKey   map[string][]*Entry

	ttl      time.Duration
	counters sync.Map // service key -> *atomic.Uint64, for RoundRobin
	randSeed uint64
	defaults map[uint16]defaultBinding

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New creates a Registry with the given eviction TTL (0 disables
// eviction, for standalone static configuration).
func New(ttl time.Duration) *Registry {
	r := &Registry{
		entries: map[string]*Entry{},
		byKey:   map[string][]*Entry{},
		ttl:     ttl,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	if ttl > 0 {
		go r.sweepLoop()
	} else {
		close(r.stopAck)
	}
	return r
}

// Heartbeat registers or refreshes a peer's liveness, called on receipt of
// the controller's (or static config's) periodic heartbeat.
func (r *Registry) Heartbeat(e Entry) {
	e.LastSeen = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.NodeId] = &e
	r.rebuildByKeyLocked()
}

// Remove drops a node from the directory immediately, used on graceful
// departure or a mesh connection that will not be retried.
func (r *Registry) Remove(nodeId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, nodeId)
	r.rebuildByKeyLocked()
}

func (r *Registry) rebuildByKeyLocked() {
	r.byKey = map[string][]*Entry{}
	for _, e := range r.entries {
		k := serviceKey(e.Type, e.ServiceId)
		r.byKey[k] = append(r.byKey[k], e)
	}
	for _, list := range r.byKey {
		sort.Slice(list, func(i, j int) bool { return list[i].NodeId < list[j].NodeId })
	}
}

func serviceKey(typ string, serviceId uint16) string {
	return fmt.Sprintf("%s#%d", typ, serviceId)
}

// GetById returns the live entry for nodeId, if any.
func (r *Registry) GetById(nodeId string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetByService picks one live entry advertising (typ, serviceId) per
// policy, using key for ByKey (ignored otherwise). Ties are broken
// deterministically by nodeId string order.
func (r *Registry) GetByService(typ string, serviceId uint16, policy Policy, key string) (Entry, bool) {
	r.mu.RLock()
	candidates := r.byKey[serviceKey(typ, serviceId)]
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Entry{}, false
	}

	switch policy {
	case Random:
		n := atomic.AddUint64(&r.randSeed, 0x9E3779B97F4A7C15)
		return *candidates[n%uint64(len(candidates))], true
	case LeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Weight < best.Weight || (c.Weight == best.Weight && c.NodeId < best.NodeId) {
				best = c
			}
		}
		return *best, true
	case ByKey:
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		n := h.Sum64()
		return *candidates[n%uint64(len(candidates))], true
	case RoundRobin:
		fallthrough
	default:
		k := serviceKey(typ, serviceId)
		v, _ := r.counters.LoadOrStore(k, new(atomic.Uint64))
		n := v.(*atomic.Uint64).Add(1) - 1
		return *candidates[n%uint64(len(candidates))], true
	}
}

// Pick implements sender.ServiceDirectory for the common case of a single
// default (type, policy) pairing per serviceId, configured via
// SetServiceDefault. This is the capability handlers reach for through
// RequestToApi/SendToApi; callers needing an explicit type or policy use
// GetByService directly.
func (r *Registry) Pick(serviceId uint16, key string) (string, error) {
	r.mu.RLock()
	def, ok := r.defaults[serviceId]
	r.mu.RUnlock()
	if !ok {
		def = defaultBinding{typ: "", policy: RoundRobin}
	}

	e, found := r.GetByService(def.typ, serviceId, def.policy, key)
	if !found {
		return "", fmt.Errorf("serverinfo: no live node advertises service %d", serviceId)
	}
	return e.NodeId, nil
}

type defaultBinding struct {
	typ    string
	policy Policy
}

// SetServiceDefault configures the (type, policy) Pick uses for serviceId.
func (r *Registry) SetServiceDefault(serviceId uint16, typ string, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaults == nil {
		r.defaults = map[uint16]defaultBinding{}
	}
	r.defaults[serviceId] = defaultBinding{typ: typ, policy: policy}
}

func (r *Registry) sweepLoop() {
	defer close(r.stopAck)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for nodeId, e := range r.entries {
		if e.LastSeen.Before(cutoff) {
			delete(r.entries, nodeId)
			log.WithField("nodeId", nodeId).Info("Server Info Center entry expired")
		}
	}
	r.rebuildByKeyLocked()
}

// Close stops the eviction sweeper.
func (r *Registry) Close() error {
	select {
	case <-r.stopSyn:
	default:
		close(r.stopSyn)
	}
	<-r.stopAck
	return nil
}
