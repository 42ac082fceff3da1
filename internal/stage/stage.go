// Package stage implements the Stage/Actor runtime: the single-threaded,
// per-stage mailbox executor that dispatches Route-messages, Timer-ticks
// and Async-block completions to user-defined handlers one at a time,
// while letting a handler suspend on an outbound request without
// stalling the rest of the stage.
package stage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
)

// State is a stage's position in its lifecycle.
type State int32

const (
	StateInit State = iota
	StateLive
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Actor is one client's membership in a stage: the account it authenticated
// as, the session it is reachable through, and its app-defined handler.
type Actor struct {
	AccountId int64
	StageId   int64
	Sid       int64
	Impl      UserActor
}

// UserActor is implemented by application code. The framework never
// constructs one directly; it asks the owning UserStage for a fresh
// instance per authenticating session via NewActor.
type UserActor interface {
	// OnAuthenticate validates authPacket and, on success, is expected to
	// set actor.AccountId. Returning an error discards the actor; it never
	// enters the stage's actor table and never sees any other callback.
	OnAuthenticate(actor *Actor, authPacket *packet.Packet, snd *sender.Sender) error
	OnPostAuthenticate(actor *Actor)
	OnDestroy(actor *Actor)
}

// UserStage is implemented by application code, one instance per live
// stage.
type UserStage interface {
	// OnCreate runs once, synchronously, before the stage accepts any
	// dispatch. Returning an error aborts creation entirely.
	OnCreate(st *Stage, initPacket *packet.Packet) error
	OnPostCreate()

	// NewActor returns a fresh per-session actor implementation; called
	// once per authenticating session, before OnAuthenticate.
	NewActor() UserActor

	// OnJoinStage runs after a successful OnAuthenticate. Returning
	// false (or an error) rejects the actor from the stage even though
	// authentication itself succeeded.
	OnJoinStage(actor *Actor) (bool, error)
	OnPostJoinStage(actor *Actor)

	// OnDispatch handles a Route-message addressed to an already-joined
	// actor.
	OnDispatch(actor *Actor, p *packet.Packet, snd *sender.Sender) error

	// OnSystemDispatch handles a Route-message with no joined actor behind
	// its sid (stage-level or cross-node traffic not tied to a session).
	OnSystemDispatch(p *packet.Packet, snd *sender.Sender) error

	OnConnectionChanged(actor *Actor, connected bool)
	OnDestroy()
}

// sessionNotifier is the session-facing slice of *stage.Manager, used so
// the stage can mark a session authenticated without importing the
// session package (which would cycle back through play/session wiring).
type sessionNotifier interface {
	MarkAuthenticated(sid int64, stageId int64)
}

// owner is the slice of *Manager a Stage needs once it is running.
type owner interface {
	sessionNotifier
	senderDeps() sender.Deps
	compute() *computePool
	requestTimeout() time.Duration
	failStage(stageId int64, err error)
	forget(stageId int64)
}

// Stage is one instance of the per-stage single-threaded executor.
type Stage struct {
	Id        int64
	StageType string

	mgr   owner
	user  UserStage
	state atomic.Int32

	mailbox *mailbox
	turn    chan struct{}

	actorsByAccount sync.Map // int64 -> *Actor
	actorsBySid     sync.Map // int64 -> *Actor

	timers sync.Map // int64 -> *timerHandle
	timerSeq int64

	closeSyn chan struct{}
	closeAck chan struct{}
}

func newStage(mgr owner, user UserStage, id int64, stageType string) *Stage {
	st := &Stage{
		Id:        id,
		StageType: stageType,
		mgr:       mgr,
		user:      user,
		mailbox:   newMailbox(),
		turn:      make(chan struct{}),
		closeSyn:  make(chan struct{}),
		closeAck:  make(chan struct{}),
	}
	st.state.Store(int32(StateInit))
	return st
}

func (st *Stage) State() State { return State(st.state.Load()) }

func (st *Stage) log() *log.Entry {
	return log.WithField("stageId", st.Id).WithField("stageType", st.StageType)
}

// start launches the executor loop. Callers must have already run
// OnCreate/OnPostCreate successfully.
func (st *Stage) start() {
	st.state.Store(int32(StateLive))
	go st.runLoop()
}

func (st *Stage) runLoop() {
	for {
		m, ok := st.mailbox.pop()
		if !ok {
			select {
			case <-st.closeSyn:
				st.drainAndClose()
				return
			case <-st.mailbox.signal:
				continue
			}
		}
		st.dispatch(m)
	}
}

// dispatch runs exactly one mailbox message to completion-or-suspension,
// guaranteeing at most one handler goroutine is ever active for this
// stage at a time.
func (st *Stage) dispatch(m *message) {
	if m.resume != nil {
		m.resume()
		<-st.turn
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				st.log().WithField("panic", r).Error("stage handler panicked")
			}
			st.turn <- struct{}{}
		}()
		m.fresh()
	}()
	<-st.turn
}

// Suspend implements sender.Awaiter: release the turn so the runLoop can
// process other mailbox messages, then block until wake fires (normally a
// Request Cache completion posted back in as a resume message).
func (st *Stage) Suspend(wake <-chan struct{}) {
	st.turn <- struct{}{}
	<-wake
}

func (st *Stage) enqueueFresh(fn func()) bool {
	return st.mailbox.push(&message{fresh: fn})
}

// postResume enqueues fn as a resume message: a completion arriving off a
// mesh connection (or the sweeper) is delivered this way rather than
// invoked inline, so it still respects per-stage ordering.
func (st *Stage) postResume(fn func()) {
	st.mailbox.push(&message{resume: fn})
}

func (st *Stage) newSender(hdr route.Header, postStage bool) *sender.Sender {
	stageId := int64(0)
	if postStage {
		stageId = st.Id
	}
	return sender.New(st.mgr.senderDeps(), hdr, stageId, st, st.mgr.requestTimeout())
}

// HandleRoute is called by the Play Dispatcher to enqueue a Route-message
// for processing on this stage's executor.
func (st *Stage) HandleRoute(hdr route.Header, p *packet.Packet, authenticateMsgId string) {
	st.enqueueFresh(func() { st.runRoute(hdr, p, authenticateMsgId) })
}

func (st *Stage) runRoute(hdr route.Header, p *packet.Packet, authenticateMsgId string) {
	defer p.Dispose()
	snd := st.newSender(hdr, true)

	_, hasActor := st.actorsBySid.Load(hdr.Sid)
	if hdr.Sid != 0 && !hasActor && p.MsgId == authenticateMsgId {
		st.runAuthenticate(hdr, p, snd)
		return
	}

	var err error
	if v, ok := st.actorsBySid.Load(hdr.Sid); ok {
		err = st.user.OnDispatch(v.(*Actor), p, snd)
	} else {
		err = st.user.OnSystemDispatch(p, snd)
	}

	if err != nil {
		st.log().WithError(err).Debug("OnDispatch failed")
		if !snd.Replied() {
			snd.Reply(nil, uint16(errs.CodeHandlerError))
		}
		return
	}
	if !snd.Replied() {
		snd.Reply(packet.New(p.MsgId, nil), uint16(errs.CodeOK))
	}
}

func (st *Stage) runAuthenticate(hdr route.Header, p *packet.Packet, snd *sender.Sender) {
	actor := &Actor{StageId: st.Id, Sid: hdr.Sid, Impl: st.user.NewActor()}

	if err := actor.Impl.OnAuthenticate(actor, p, snd); err != nil {
		st.log().WithError(err).Debug("OnAuthenticate rejected")
		if !snd.Replied() {
			snd.Reply(nil, uint16(errs.CodeAuthFailed))
		}
		return
	}
	actor.Impl.OnPostAuthenticate(actor)

	ok, err := st.user.OnJoinStage(actor)
	if err != nil || !ok {
		st.log().WithError(err).Debug("OnJoinStage rejected")
		if !snd.Replied() {
			snd.Reply(nil, uint16(errs.CodeAuthFailed))
		}
		return
	}
	st.user.OnPostJoinStage(actor)

	st.actorsByAccount.Store(actor.AccountId, actor)
	st.actorsBySid.Store(actor.Sid, actor)
	st.mgr.MarkAuthenticated(actor.Sid, st.Id)

	if !snd.Replied() {
		snd.Reply(packet.New(p.MsgId, nil), uint16(errs.CodeOK))
	}
}

// NotifyConnectionChanged informs the owning actor (if any) that its
// session connected or disconnected, without removing the actor from the
// stage: an actor persists until the stage reaps it or the stage closes.
func (st *Stage) NotifyConnectionChanged(sid int64, connected bool) {
	st.enqueueFresh(func() {
		v, ok := st.actorsBySid.Load(sid)
		if !ok {
			return
		}
		actor := v.(*Actor)
		actor.Impl.OnConnectionChanged(actor, connected)
	})
}

// AsyncBlock runs pre inline (the caller is already on this stage's turn),
// offloads work to the shared compute pool, then schedules post as a fresh
// mailbox dispatch once work returns.
func (st *Stage) AsyncBlock(pre func(), work func() interface{}, post func(interface{})) {
	if pre != nil {
		pre()
	}
	st.mgr.compute().submit(func() {
		result := work()
		st.enqueueFresh(func() {
			if post != nil {
				post(result)
			}
		})
	})
}

// close begins stage shutdown and waits for it to finish: messages already
// queued, and any pushed before the mailbox closes, still run before
// OnDestroy fires. The Play Dispatcher does not check StateClosing; it
// keeps routing to the stage until the Manager forgets it.
func (st *Stage) close() {
	if !st.state.CompareAndSwap(int32(StateLive), int32(StateClosing)) {
		return
	}
	close(st.closeSyn)
	<-st.closeAck
}

func (st *Stage) drainAndClose() {
	for {
		m, ok := st.mailbox.pop()
		if !ok {
			break
		}
		st.dispatch(m)
	}

	st.stopAllTimers()
	st.mgr.failStage(st.Id, errs.ErrCancelled)
	st.user.OnDestroy()
	st.mailbox.close()
	st.state.Store(int32(StateDead))
	st.mgr.forget(st.Id)
	close(st.closeAck)
}

func (st *Stage) String() string {
	return fmt.Sprintf("Stage(id=%d, type=%s, state=%s)", st.Id, st.StageType, st.State())
}
