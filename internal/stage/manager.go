package stage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
)

// Reserved system message ids a remote node's Play Dispatcher recognizes
// to instantiate or tear down a stage on this node's behalf.
const (
	CreateStageMsgId = "@CreateStage@"
	CloseStageMsgId  = "@CloseStage@"
)

// SessionMarker is the Session Manager's surface a Manager needs: flip a
// session to authenticated and bind it to the stage that just joined it.
type SessionMarker interface {
	MarkAuthenticated(sid int64, stageId int64)
}

// Factory builds a fresh UserStage instance for stageType. Registered at
// startup; the framework never uses reflection to find one.
type Factory func() UserStage

// Manager owns every live stage on this node: creation (serialized per
// stageId so a double-creation race produces exactly one stage), lookup,
// and close.
type Manager struct {
	nodeId string

	stages   sync.Map // int64 -> *Stage
	creating sync.Map // int64 -> *creationSlot
	idGen    atomic.Int64

	factories map[string]Factory

	cache    *reqcache.Cache
	compPool *computePool
	sessions SessionMarker
	node     sender.NodeSender
	directory sender.ServiceDirectory
	clients  sender.ClientSessions
	reqTO    time.Duration
}

type creationSlot struct {
	done  chan struct{}
	stage *Stage
	err   error
}

// Config bundles Manager's external dependencies, mirroring the teacher's
// core-wiring-by-struct convention.
type Config struct {
	NodeId         string
	Cache          *reqcache.Cache
	Sessions       SessionMarker
	Node           sender.NodeSender
	Directory      sender.ServiceDirectory
	Clients        sender.ClientSessions
	RequestTimeout time.Duration
	ComputeWorkers int
}

func NewManager(cfg Config, factories map[string]Factory) *Manager {
	m := &Manager{
		nodeId:    cfg.NodeId,
		factories: factories,
		cache:     cfg.Cache,
		compPool:  newComputePool(cfg.ComputeWorkers),
		sessions:  cfg.Sessions,
		node:      cfg.Node,
		directory: cfg.Directory,
		clients:   cfg.Clients,
		reqTO:     cfg.RequestTimeout,
	}
	m.idGen.Store(1_000_000)
	return m
}

// owner interface implementation, consumed by Stage.

func (m *Manager) MarkAuthenticated(sid int64, stageId int64) { m.sessions.MarkAuthenticated(sid, stageId) }

// PostContinuation implements reqcache.PostToStage: route a Request
// Cache completion into stageId's mailbox as a resume message, so a reply
// arriving off a mesh connection still respects that stage's single-
// threaded ordering instead of running on the cache's sweeper goroutine.
func (m *Manager) PostContinuation(stageId int64, fn func()) {
	if v, ok := m.stages.Load(stageId); ok {
		v.(*Stage).postResume(fn)
	}
}
func (m *Manager) compute() *computePool                      { return m.compPool }

// ComputePool exposes the stage runtime's bounded worker pool so a wiring
// file can hand it to the API Dispatcher's Config.Pool, avoiding a second
// goroutine pool for handler fan-out.
func (m *Manager) ComputePool() *computePool { return m.compPool }

func (m *Manager) requestTimeout() time.Duration               { return m.reqTO }
func (m *Manager) failStage(stageId int64, err error)          { m.cache.FailStage(stageId, err) }
func (m *Manager) forget(stageId int64)                        { m.stages.Delete(stageId) }

func (m *Manager) senderDeps() sender.Deps {
	return sender.Deps{
		Node:      m.node,
		Sessions:  m.clients,
		Directory: m.directory,
		Stages:    m,
		Cache:     m.cache,
	}
}

// Get returns the live stage for stageId, if one exists locally.
func (m *Manager) Get(stageId int64) (*Stage, bool) {
	v, ok := m.stages.Load(stageId)
	if !ok {
		return nil, false
	}
	return v.(*Stage), true
}

// NextStageId hands out a locally-unique stage id for stages the
// application creates without specifying one itself.
func (m *Manager) NextStageId() int64 {
	return m.idGen.Add(1)
}

// GetOrCreate returns the existing stage for stageId, or creates one of
// stageType by running OnCreate/OnPostCreate and starting its executor.
// Concurrent callers racing on the same unset stageId all block on the
// single winner's creation; the loser is handed back the same *Stage.
func (m *Manager) GetOrCreate(stageType string, stageId int64, initPacket *packet.Packet) (*Stage, error) {
	if v, ok := m.stages.Load(stageId); ok {
		return v.(*Stage), nil
	}

	slot := &creationSlot{done: make(chan struct{})}
	actual, loaded := m.creating.LoadOrStore(stageId, slot)
	cs := actual.(*creationSlot)
	if loaded {
		<-cs.done
		return cs.stage, cs.err
	}

	st, err := m.createNow(stageType, stageId, initPacket)
	cs.stage, cs.err = st, err
	if err == nil {
		m.stages.Store(stageId, st)
	}
	m.creating.Delete(stageId)
	close(cs.done)
	return st, err
}

func (m *Manager) createNow(stageType string, stageId int64, initPacket *packet.Packet) (*Stage, error) {
	factory, ok := m.factories[stageType]
	if !ok {
		return nil, errs.Routing("unknown stage type: "+stageType, nil)
	}

	user := factory()
	st := newStage(m, user, stageId, stageType)

	if err := user.OnCreate(st, initPacket); err != nil {
		return nil, err
	}
	user.OnPostCreate()

	st.start()
	log.WithField("stageId", stageId).WithField("stageType", stageType).Info("Stage created")
	return st, nil
}

// Close tears stageId down: drains its mailbox, fails its in-flight
// outbound requests, runs OnDestroy, then removes it from the registry.
func (m *Manager) Close(stageId int64) error {
	v, ok := m.stages.Load(stageId)
	if !ok {
		return errs.ErrStageNotFound
	}
	v.(*Stage).close()
	return nil
}

// CreateStage implements sender.StageCreator. A remote nodeId is asked via
// a reserved system message carrying a small stageType-prefixed envelope;
// the local case creates synchronously.
func (m *Manager) CreateStage(nodeId, stageType string, stageId int64, initPkt *packet.Packet) error {
	if nodeId == "" || nodeId == m.nodeId {
		_, err := m.GetOrCreate(stageType, stageId, initPkt)
		return err
	}

	envelope := encodeCreateEnvelope(stageType, initPkt.Payload)
	hdr := route.Header{From: m.nodeId, MsgId: CreateStageMsgId, StageId: stageId, IsSystem: true}
	return m.node.SendToNode(nodeId, hdr, packet.New(CreateStageMsgId, envelope))
}

// CloseStage implements sender.StageCreator.
func (m *Manager) CloseStage(nodeId string, stageId int64) error {
	if nodeId == "" || nodeId == m.nodeId {
		return m.Close(stageId)
	}
	hdr := route.Header{From: m.nodeId, MsgId: CloseStageMsgId, StageId: stageId, IsSystem: true}
	return m.node.SendToNode(nodeId, hdr, packet.New(CloseStageMsgId, nil))
}

// DecodeCreateEnvelope reverses encodeCreateEnvelope; used by the Play
// Dispatcher when it receives CreateStageMsgId from another node.
func DecodeCreateEnvelope(payload []byte) (stageType string, initPayload []byte, ok bool) {
	if len(payload) < 2 {
		return "", nil, false
	}
	n := binary.BigEndian.Uint16(payload[:2])
	if len(payload) < int(2+n) {
		return "", nil, false
	}
	return string(payload[2 : 2+n]), payload[2+n:], true
}

func encodeCreateEnvelope(stageType string, initPayload []byte) []byte {
	out := make([]byte, 2+len(stageType)+len(initPayload))
	binary.BigEndian.PutUint16(out[:2], uint16(len(stageType)))
	copy(out[2:], stageType)
	copy(out[2+len(stageType):], initPayload)
	return out
}

// Shutdown closes every live stage and stops the shared compute pool.
func (m *Manager) Shutdown() {
	m.stages.Range(func(_, v interface{}) bool {
		v.(*Stage).close()
		return true
	})
	m.compPool.close()
}
