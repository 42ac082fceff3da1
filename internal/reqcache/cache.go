// Package reqcache implements the Request Cache: a process-wide map from
// msgSeq to a pending reply, a background timeout sweeper, and the
// ordering guarantee that completions bound to a stage are enqueued into
// that stage's mailbox rather than invoked on the sweeper goroutine.
package reqcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
)

// PostToStage is implemented by the stage runtime: enqueue a completion as
// a Post-message into a stage's mailbox, preserving the single-threaded-
// per-stage invariant even for replies arriving off a mesh connection.
type PostToStage interface {
	PostContinuation(stageId int64, fn func())
}

// Entry is one outstanding request.
type Entry struct {
	Callback    func(p *packet.Packet, err error)
	PostStageId int64 // 0 means "invoke Callback directly, no stage to post to"
	Sid         int64 // 0 means "not tied to a client session"
	deadline    time.Time
}

// Cache correlates msgSeq with pending replies, process-wide.
type Cache struct {
	entries sync.Map // uint16 -> *Entry
	poster  PostToStage

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New creates a Cache. sweepInterval governs how often expired entries are
// checked; poster may be nil if no caller ever registers a PostStageId.
func New(poster PostToStage, sweepInterval time.Duration) *Cache {
	c := &Cache{
		poster:  poster,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// SetPoster wires the stage runtime in after construction, for the common
// startup order where the Cache and the stage Manager each need a pointer
// to the other.
func (c *Cache) SetPoster(poster PostToStage) {
	c.poster = poster
}

// Register adds seq -> entry with the given timeout. It is idempotent in
// the sense that registering an already-registered seq is rejected rather
// than silently overwritten — msgSeq must be unique across in-flight
// requests per §3's invariant.
func (c *Cache) Register(seq uint16, entry Entry, timeout time.Duration) error {
	entry.deadline = time.Now().Add(timeout)
	if _, loaded := c.entries.LoadOrStore(seq, &entry); loaded {
		return errs.ErrDuplicateSeq
	}
	return nil
}

// Complete removes and fulfills the entry for seq with p. A late reply
// (seq no longer registered, already timed out or already completed) is
// dropped silently, matching §4.4.
func (c *Cache) Complete(seq uint16, p *packet.Packet, err error) {
	if seq == 0 {
		// §3: "msgSeq == 0 means fire-and-forget; any reply carrying
		// msgSeq == 0 is dropped."
		return
	}

	v, ok := c.entries.LoadAndDelete(seq)
	if !ok {
		return
	}
	entry := v.(*Entry)
	c.deliver(entry, p, err)
}

// deliver invokes entry.Callback either inline or, if PostStageId is set,
// via the poster so it runs on that stage's executor.
func (c *Cache) deliver(entry *Entry, p *packet.Packet, err error) {
	if entry.PostStageId != 0 && c.poster != nil {
		stageId := entry.PostStageId
		c.poster.PostContinuation(stageId, func() { entry.Callback(p, err) })
		return
	}
	entry.Callback(p, err)
}

// FailAll fails every outstanding entry with the given error, used on
// transport loss per §4.5: "if the transport drops with outstanding
// requests, their Request Cache entries... surface ConnectionClosed."
func (c *Cache) FailAll(err error) {
	var toFail []*Entry
	c.entries.Range(func(key, v interface{}) bool {
		c.entries.Delete(key)
		toFail = append(toFail, v.(*Entry))
		return true
	})
	for _, entry := range toFail {
		c.deliver(entry, nil, err)
	}
}

// FailStage fails every outstanding entry whose PostStageId is stageId,
// used when a stage closes: "Stage close cancels all of that stage's
// in-flight outbound requests locally" (§5).
func (c *Cache) FailStage(stageId int64, err error) {
	var toFail []*Entry
	c.entries.Range(func(key, v interface{}) bool {
		entry := v.(*Entry)
		if entry.PostStageId == stageId {
			c.entries.Delete(key)
			toFail = append(toFail, entry)
		}
		return true
	})
	for _, entry := range toFail {
		entry.Callback(nil, err)
	}
}

// FailSid fails every outstanding entry tied to sid, used when a client
// session disconnects mid-request: the owning stage is notified separately
// via OnConnectionChanged, but the in-flight request this particular
// session triggered still needs to surface ConnectionClosed rather than
// hang until its timeout.
func (c *Cache) FailSid(sid int64, err error) {
	var toFail []*Entry
	c.entries.Range(func(key, v interface{}) bool {
		entry := v.(*Entry)
		if entry.Sid == sid {
			c.entries.Delete(key)
			toFail = append(toFail, entry)
		}
		return true
	})
	for _, entry := range toFail {
		c.deliver(entry, nil, err)
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.stopAck)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSyn:
			return
		case now := <-ticker.C:
			c.sweepOnce(now)
		}
	}
}

func (c *Cache) sweepOnce(now time.Time) {
	var expired []*Entry
	c.entries.Range(func(key, v interface{}) bool {
		entry := v.(*Entry)
		if now.After(entry.deadline) {
			c.entries.Delete(key)
			expired = append(expired, entry)
		}
		return true
	})

	for _, entry := range expired {
		log.Debug("Request Cache entry expired")
		c.deliver(entry, nil, errs.ErrRequestTimeout)
	}
}

// Close stops the sweeper. Outstanding entries are left untouched; callers
// that need a clean shutdown should call FailAll first.
func (c *Cache) Close() error {
	close(c.stopSyn)
	<-c.stopAck
	return nil
}

// Len reports the number of outstanding entries, used by tests and
// operator-facing diagnostics.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
