// Package relay computes next-hop routing for mesh nodes that are not
// directly connected, mirroring the link-state shortest-path approach
// the teacher's delay-tolerant routing uses: every node floods its
// direct-peer costs, each node runs Dijkstra over the union of
// everyone's reported edges, and the first hop of the shortest path to
// a destination becomes that destination's next hop.
package relay

import (
	"sync"

	"github.com/RyanCarrier/dijkstra"
	log "github.com/sirupsen/logrus"
)

// Table is one node's view of the mesh topology and its derived
// next-hop routing table.
type Table struct {
	mu   sync.RWMutex
	self string

	nodeIndex map[string]int
	indexNode []string

	peers    map[string]int64            // this node's direct neighbors -> cost
	received map[string]map[string]int64 // nodeId -> its reported peers -> cost

	nextHop map[string]string
}

// New creates an empty Table for the local node self.
func New(self string) *Table {
	t := &Table{
		self:      self,
		nodeIndex: map[string]int{},
		peers:     map[string]int64{},
		received:  map[string]map[string]int64{},
		nextHop:   map[string]string{},
	}
	t.indexOf(self)
	return t
}

// indexOf returns nodeId's dijkstra vertex index, assigning a fresh one
// if this is the first time nodeId has been seen. Must be called with
// mu held.
func (t *Table) indexOf(nodeId string) int {
	if i, ok := t.nodeIndex[nodeId]; ok {
		return i
	}
	i := len(t.indexNode)
	t.nodeIndex[nodeId] = i
	t.indexNode = append(t.indexNode, nodeId)
	return i
}

// SetDirectPeer records or updates the cost of a direct connection,
// used whenever the mesh transport dials or accepts a peer.
func (t *Table) SetDirectPeer(nodeId string, cost int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexOf(nodeId)
	t.peers[nodeId] = cost
}

// RemoveDirectPeer drops a direct connection, used on disconnect.
func (t *Table) RemoveDirectPeer(nodeId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeId)
}

// Ingest absorbs a link-state announcement from nodeId describing its
// own direct peers, as flooded over the mesh by a periodic broadcast.
func (t *Table) Ingest(nodeId string, peers map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexOf(nodeId)
	for p := range peers {
		t.indexOf(p)
	}
	cp := make(map[string]int64, len(peers))
	for k, v := range peers {
		cp[k] = v
	}
	t.received[nodeId] = cp
}

// Snapshot returns this node's own direct-peer costs, for flooding to
// the rest of the mesh.
func (t *Table) Snapshot() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make(map[string]int64, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// Recompute rebuilds the next-hop table from the current direct and
// received link-state data.
func (t *Table) Recompute() {
	t.mu.Lock()
	defer t.mu.Unlock()

	graph := dijkstra.NewGraph()
	for i := range t.indexNode {
		graph.AddVertex(i)
	}

	addArcs := func(from string, edges map[string]int64) {
		fi := t.nodeIndex[from]
		for to, cost := range edges {
			ti, ok := t.nodeIndex[to]
			if !ok {
				continue
			}
			c := cost
			if c <= 0 {
				c = 1
			}
			_ = graph.AddArc(fi, ti, c)
		}
	}

	addArcs(t.self, t.peers)
	for nodeId, edges := range t.received {
		addArcs(nodeId, edges)
	}

	selfIdx := t.nodeIndex[t.self]
	next := map[string]string{}
	for nodeId, i := range t.nodeIndex {
		if i == selfIdx {
			continue
		}
		best, err := graph.Shortest(selfIdx, i)
		if err != nil {
			continue
		}
		if len(best.Path) <= 1 {
			log.WithField("dest", nodeId).Warn("Relay: single step path found, this should not happen")
			continue
		}
		next[nodeId] = t.indexNode[best.Path[1]]
	}
	t.nextHop = next
}

// NextHop returns the direct peer dest's traffic should be forwarded
// through, or false if no path is currently known.
func (t *Table) NextHop(dest string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hop, ok := t.nextHop[dest]
	return hop, ok
}
