// controller.go - reply controller core logic.
// Copyright (C) 2018  masala, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package reply implements per-recipient buffering of outbound
// anonymous messages, fair SURB rationing, retransmission queueing and
// heartbeat-style re-request of reply-SURBs.
package reply

import (
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/nymtech/nym-sub004/constants"
	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

// preparationFailure wraps a sender-reported send error as the reply
// pipeline's PreparationFailure kind: chunk preparation failed after
// a SURB was already drawn from storage, so the caller must return it.
func preparationFailure(err error) error {
	return fmt.Errorf("%w: %s", xerrors.ErrPreparationFailure, err)
}

var log = logging.MustGetLogger("reply")

// Config bundles the reply controller's static tunables.
type Config struct {
	MinReplySurbThreshold                  int
	MaxReplySurbThreshold                  int
	MinimumReplySurbRequestSize            uint32
	MaximumReplySurbRequestSize            uint32
	MaximumAllowedReplySurbRequestSize     uint32
	NumMixHops                             int
	MaximumReplySurbAge                    time.Duration
	MaximumReplyKeyAge                     time.Duration
	MaximumReplySurbRerequestWaitingPeriod time.Duration
	MaximumReplySurbDropWaitingPeriod      time.Duration
}

// DefaultConfig returns the thresholds mix clients ship with out of the box.
func DefaultConfig() Config {
	return Config{
		MinReplySurbThreshold:                  constants.DefaultMinReplySurbThreshold,
		MaxReplySurbThreshold:                  constants.DefaultMaxReplySurbThreshold,
		MinimumReplySurbRequestSize:            constants.DefaultMinimumReplySurbRequestSize,
		MaximumReplySurbRequestSize:            constants.DefaultMaximumReplySurbRequestSize,
		MaximumAllowedReplySurbRequestSize:     constants.DefaultMaximumAllowedReplySurbRequestSize,
		NumMixHops:                             constants.DefaultNumMixHops,
		MaximumReplySurbAge:                    constants.DefaultMaximumReplySurbAge,
		MaximumReplyKeyAge:                     constants.DefaultMaximumReplyKeyAge,
		MaximumReplySurbRerequestWaitingPeriod: constants.DefaultMaximumReplySurbRerequestWaitingPeriod,
		MaximumReplySurbDropWaitingPeriod:      constants.DefaultMaximumReplySurbDropWaitingPeriod,
	}
}

// MixHopSender is the black-box collaborator that actually puts a reply
// chunk (or a batch of fresh SURBs) on the wire to a remote party. The
// Sphinx/fragmentation layer that builds these packets is out of scope; the
// controller only needs to hand it a recipient tag and payload bytes.
type MixHopSender interface {
	SendReplyChunk(tag types.AnonymousSenderTag, surb types.ReplySURB, payload []byte) error
	SendFreshSurbs(tag types.AnonymousSenderTag, surbs []types.ReplySURB) error
}

// SendReply is a message asking the controller to deliver an anonymous
// message to recipient, chunked into pre-fragmented pieces by the caller.
type SendReply struct {
	Recipient types.AnonymousSenderTag
	Fragments []types.Fragment
	Lane      types.TransmissionLane
}

// RetransmitReply fires when a fragment's ack timer elapses without an ack.
type RetransmitReply struct {
	Recipient        types.AnonymousSenderTag
	TimedOutAck      AckHandle
	ExtraSurbRequest bool
}

// AdditionalSurbs delivers SURBs received from a remote party, either
// unsolicited or in answer to our own AdditionalSurbsRequest.
type AdditionalSurbs struct {
	SenderTag       types.AnonymousSenderTag
	ReplySurbs      []types.ReplySURB
	FromSurbRequest bool
}

// AdditionalSurbsRequest is a request from a remote party (routed to us
// as a plaintext control message) asking for more SURBs.
type AdditionalSurbsRequest struct {
	Recipient types.Recipient
	Amount    uint32
}

// LaneQueueLength asks for the current buffered length of a connection's
// lane; the result is delivered on Response.
type LaneQueueLength struct {
	ConnectionID uint64
	Response     chan int
}

// inboundMessage is the controller's single inbox sum type.
type inboundMessage struct {
	sendReply       *SendReply
	retransmitReply *RetransmitReply
	additionalSurbs *AdditionalSurbs
	surbsRequest    *AdditionalSurbsRequest
	laneQueueLength *LaneQueueLength
}

// Controller is the single-threaded, cooperative reply controller.
// All mutable state is touched only from its run loop goroutine; callers
// only ever send on inbox.
type Controller struct {
	cfg Config

	surbs      SurbsStorage
	keys       ReplyKeysStorage
	buffer     *TransmissionBuffer
	sender     MixHopSender
	timerQueue *TimerQueue

	inbox chan inboundMessage
	halt  chan struct{}
	done  chan struct{}

	mu                     sync.Mutex
	pendingRetransmissions map[types.AnonymousSenderTag]map[types.FragmentIdentifier]*PendingAcknowledgement
	retransDelay           time.Duration
}

// New builds a Controller. Start must be called to begin processing.
func New(cfg Config, surbs SurbsStorage, keys ReplyKeysStorage, sender MixHopSender, ackDelay time.Duration) *Controller {
	c := &Controller{
		cfg:                    cfg,
		surbs:                  surbs,
		keys:                   keys,
		buffer:                 NewTransmissionBuffer(),
		sender:                 sender,
		inbox:                  make(chan inboundMessage, 64),
		halt:                   make(chan struct{}),
		done:                   make(chan struct{}),
		pendingRetransmissions: make(map[types.AnonymousSenderTag]map[types.FragmentIdentifier]*PendingAcknowledgement),
		retransDelay:           ackDelay,
	}
	c.timerQueue = NewTimerQueue(c.onAckTimeout)
	return c
}

// Start launches the controller's run loop and its timer queue.
func (c *Controller) Start() {
	c.timerQueue.Start()
	go c.run()
}

// Halt stops the controller and waits for its loop to exit.
func (c *Controller) Halt() {
	close(c.halt)
	<-c.done
	c.timerQueue.Halt()
}

// SendReplyAsync enqueues a SendReply message.
func (c *Controller) SendReplyAsync(msg SendReply) {
	c.inbox <- inboundMessage{sendReply: &msg}
}

// RetransmitReplyAsync enqueues a RetransmitReply message.
func (c *Controller) RetransmitReplyAsync(msg RetransmitReply) {
	c.inbox <- inboundMessage{retransmitReply: &msg}
}

// AdditionalSurbsAsync enqueues an AdditionalSurbs message.
func (c *Controller) AdditionalSurbsAsync(msg AdditionalSurbs) {
	c.inbox <- inboundMessage{additionalSurbs: &msg}
}

// AdditionalSurbsRequestAsync enqueues an AdditionalSurbsRequest message.
func (c *Controller) AdditionalSurbsRequestAsync(msg AdditionalSurbsRequest) {
	c.inbox <- inboundMessage{surbsRequest: &msg}
}

// LaneQueueLengthAsync enqueues a LaneQueueLength query.
func (c *Controller) LaneQueueLengthAsync(msg LaneQueueLength) {
	c.inbox <- inboundMessage{laneQueueLength: &msg}
}

func (c *Controller) run() {
	defer close(c.done)

	staleTick := time.NewTicker(constants.StaleInspectionInterval)
	defer staleTick.Stop()
	invalidateTick := time.NewTicker(constants.InvalidateInterval(c.cfg.MaximumReplySurbAge))
	defer invalidateTick.Stop()

	for {
		// Shutdown is checked first on every iteration so it always wins a
		// simultaneous readiness race with the other three branches.
		select {
		case <-c.halt:
			return
		default:
		}

		select {
		case <-c.halt:
			return
		case msg, ok := <-c.inbox:
			if !ok {
				return
			}
			c.handle(msg)
		case <-staleTick.C:
			c.inspectStale()
		case <-invalidateTick.C:
			c.invalidateOldData()
		}
	}
}

func (c *Controller) handle(msg inboundMessage) {
	switch {
	case msg.sendReply != nil:
		c.handleSendReply(*msg.sendReply)
	case msg.retransmitReply != nil:
		c.handleRetransmitReply(*msg.retransmitReply)
	case msg.additionalSurbs != nil:
		c.handleAdditionalSurbs(*msg.additionalSurbs)
	case msg.surbsRequest != nil:
		c.handleAdditionalSurbsRequest(*msg.surbsRequest)
	case msg.laneQueueLength != nil:
		c.handleLaneQueueLength(*msg.laneQueueLength)
	}
}

// shouldRequestMoreSurbs decides whether a SURB re-request is due:
//
//	(pending + retrans) > 0 && pending_rx + avail < max && pending_rx + avail < pending + retrans + min
func (c *Controller) shouldRequestMoreSurbs(tag types.AnonymousSenderTag) bool {
	pending := c.buffer.TotalSize(tag)
	retrans := c.retransLen(tag)
	if pending+retrans == 0 {
		return false
	}
	avail := c.surbs.Len(tag)
	pendingRx := int(c.surbs.PendingReception(tag))
	if pendingRx+avail >= c.cfg.MaxReplySurbThreshold {
		return false
	}
	return pendingRx+avail < pending+retrans+c.cfg.MinReplySurbThreshold
}

func (c *Controller) retransLen(tag types.AnonymousSenderTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingRetransmissions[tag])
}

// requestSize clamps totalPending into [min_request, max_request].
func (c *Controller) requestSize(totalPending int) uint32 {
	n := uint32(totalPending)
	if n < c.cfg.MinimumReplySurbRequestSize {
		return c.cfg.MinimumReplySurbRequestSize
	}
	if n > c.cfg.MaximumReplySurbRequestSize {
		return c.cfg.MaximumReplySurbRequestSize
	}
	return n
}

// requestReplySurbsForQueueClearing draws one threshold-ignoring SURB and
// sends an AdditionalSurbsRequest for a clamped amount.
func (c *Controller) requestReplySurbsForQueueClearing(tag types.AnonymousSenderTag) {
	total := c.buffer.TotalSize(tag) + c.retransLen(tag)
	amount := c.requestSize(total)

	surb, err := c.surbs.GetReplySurbIgnoringThreshold(tag)
	if err != nil {
		log.Warningf("reply: cannot request more surbs for %s: %s", tag, err)
		return
	}
	for i := uint32(0); i < amount; i++ {
		c.surbs.IncrementPendingReception(tag)
	}

	payload := encodeSurbRequestAmount(amount)
	if err := c.sender.SendReplyChunk(tag, surb, payload); err != nil {
		log.Warningf("reply: failed to send surb request to %s: %s", tag, err)
	}
}

func (c *Controller) handleSendReply(msg SendReply) {
	tag := msg.Recipient
	avail := c.surbs.Len(tag)
	maxToSend := avail - c.cfg.MinReplySurbThreshold
	if maxToSend < 0 {
		maxToSend = 0
	}
	if maxToSend > len(msg.Fragments) {
		maxToSend = len(msg.Fragments)
	}

	toSendNow := msg.Fragments[:maxToSend]
	toBuffer := msg.Fragments[maxToSend:]

	if len(toSendNow) > 0 {
		surbs, err := c.surbs.GetReplySurbs(tag, len(toSendNow))
		if err != nil {
			// Lost the race against another consumer of the same pool;
			// buffer everything instead of partially sending.
			c.buffer.StoreMultiple(tag, msg.Lane, msg.Fragments)
			if c.shouldRequestMoreSurbs(tag) {
				c.requestReplySurbsForQueueClearing(tag)
			}
			return
		}
		for i, f := range toSendNow {
			if err := c.sender.SendReplyChunk(tag, surbs[i], f.Payload); err != nil {
				log.Warningf("reply: %s for %s", preparationFailure(err), tag)
				c.surbs.InsertSurbs(tag, []types.ReplySURB{surbs[i]})
				c.buffer.Store(tag, msg.Lane, f)
				continue
			}
			c.scheduleAck(tag, f, msg.Lane)
		}
	}

	if len(toBuffer) > 0 {
		c.buffer.StoreMultiple(tag, msg.Lane, toBuffer)
	}

	if c.shouldRequestMoreSurbs(tag) {
		c.requestReplySurbsForQueueClearing(tag)
	}
}

func (c *Controller) scheduleAck(tag types.AnonymousSenderTag, f types.Fragment, lane types.TransmissionLane) {
	ack := NewPendingAcknowledgement(f, lane)
	c.timerQueue.Push(c.retransDelay, ackWithRecipient{tag: tag, handle: Downgrade(ack)})
}

// ackWithRecipient threads the owning recipient through the TimerQueue,
// which otherwise only knows about bare interface{} items.
type ackWithRecipient struct {
	tag    types.AnonymousSenderTag
	handle AckHandle
}

// onAckTimeout runs on the TimerQueue's goroutine, so it hands the timed-out
// ack to the run loop through the inbox, giving up once the controller halts.
func (c *Controller) onAckTimeout(item interface{}) {
	awr, ok := item.(ackWithRecipient)
	if !ok {
		return
	}
	msg := RetransmitReply{
		Recipient:   awr.tag,
		TimedOutAck: awr.handle,
	}
	select {
	case c.inbox <- inboundMessage{retransmitReply: &msg}:
	case <-c.halt:
	}
}

func (c *Controller) handleRetransmitReply(msg RetransmitReply) {
	ack, ok := msg.TimedOutAck.Upgrade()
	if !ok {
		// Already acked: drop silently.
		return
	}

	tag := msg.Recipient
	var surb types.ReplySURB
	var err error
	if msg.ExtraSurbRequest {
		surb, err = c.surbs.GetReplySurbIgnoringThreshold(tag)
	} else {
		surbs, e := c.surbs.GetReplySurbs(tag, 1)
		err = e
		if e == nil {
			surb = surbs[0]
		}
	}

	if err == nil {
		sendErr := c.sender.SendReplyChunk(tag, surb, ack.FragmentData())
		if sendErr == nil {
			ack.Ack()
			c.removeRetransmission(tag, ack.FragmentIdentifier())
			return
		}
		log.Warningf("reply: retransmission %s for %s", preparationFailure(sendErr), tag)
		c.surbs.InsertSurbs(tag, []types.ReplySURB{surb})
	}

	// No SURB available or preparation failed: keep it queued for the next
	// round, ignoring an already-present entry for this identifier.
	c.mu.Lock()
	byID, ok := c.pendingRetransmissions[tag]
	if !ok {
		byID = make(map[types.FragmentIdentifier]*PendingAcknowledgement)
		c.pendingRetransmissions[tag] = byID
	}
	if _, exists := byID[ack.FragmentIdentifier()]; !exists {
		byID[ack.FragmentIdentifier()] = ack
	}
	c.mu.Unlock()

	if c.shouldRequestMoreSurbs(tag) {
		c.requestReplySurbsForQueueClearing(tag)
	}
}

func (c *Controller) removeRetransmission(tag types.AnonymousSenderTag, id types.FragmentIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byID, ok := c.pendingRetransmissions[tag]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(c.pendingRetransmissions, tag)
		}
	}
}

func (c *Controller) handleAdditionalSurbs(msg AdditionalSurbs) {
	tag := msg.SenderTag
	c.surbs.ResetSurbsLastReceivedAt(tag)
	if msg.FromSurbRequest {
		for i := 0; i < len(msg.ReplySurbs); i++ {
			c.surbs.DecrementPendingReception(tag)
		}
	}
	c.surbs.InsertSurbs(tag, msg.ReplySurbs)

	budget := c.surbs.Len(tag) - c.cfg.MinReplySurbThreshold
	if budget < 0 {
		budget = 0
	}

	// Drain retransmissions first, then the plain pending queue.
	drained := c.drainRetransmissions(tag, budget)
	budget -= drained
	if budget > 0 {
		c.drainPending(tag, budget)
	}

	if c.shouldRequestMoreSurbs(tag) {
		c.requestReplySurbsForQueueClearing(tag)
	}
}

func (c *Controller) drainRetransmissions(tag types.AnonymousSenderTag, budget int) int {
	if budget <= 0 {
		return 0
	}
	c.mu.Lock()
	byID := c.pendingRetransmissions[tag]
	acks := make([]*PendingAcknowledgement, 0, len(byID))
	for _, a := range byID {
		acks = append(acks, a)
	}
	c.mu.Unlock()

	sent := 0
	for _, ack := range acks {
		if sent >= budget {
			break
		}
		if ack.IsAcked() {
			c.removeRetransmission(tag, ack.FragmentIdentifier())
			continue
		}
		surbs, err := c.surbs.GetReplySurbs(tag, 1)
		if err != nil {
			break
		}
		if err := c.sender.SendReplyChunk(tag, surbs[0], ack.FragmentData()); err != nil {
			log.Warningf("reply: retransmission drain %s for %s", preparationFailure(err), tag)
			c.surbs.InsertSurbs(tag, surbs)
			continue
		}
		ack.Ack()
		c.removeRetransmission(tag, ack.FragmentIdentifier())
		sent++
	}
	return sent
}

func (c *Controller) drainPending(tag types.AnonymousSenderTag, budget int) int {
	if budget <= 0 {
		return 0
	}
	fragments := c.buffer.PopAtMostNNextMessagesAtRandom(tag, budget)
	surbs, err := c.surbs.GetReplySurbs(tag, len(fragments))
	if err != nil {
		// Couldn't draw enough; push the fragments back and stop.
		for _, f := range fragments {
			c.buffer.Store(tag, types.DefaultLane, f)
		}
		return 0
	}
	for i, f := range fragments {
		if err := c.sender.SendReplyChunk(tag, surbs[i], f.Payload); err != nil {
			log.Warningf("reply: pending drain %s for %s", preparationFailure(err), tag)
			c.surbs.InsertSurbs(tag, []types.ReplySURB{surbs[i]})
			c.buffer.Store(tag, types.DefaultLane, f)
			continue
		}
	}
	return len(fragments)
}

func (c *Controller) handleAdditionalSurbsRequest(msg AdditionalSurbsRequest) {
	tag := recipientAsTag(msg.Recipient)
	if !c.surbs.ContainsSurbsFor(tag) {
		log.Warningf("reply: surb request from a recipient we never messaged, dropping")
		return
	}

	amount := msg.Amount
	if amount > c.cfg.MaximumAllowedReplySurbRequestSize {
		amount = c.cfg.MaximumAllowedReplySurbRequestSize
	}

	for sent := uint32(0); sent < amount; sent += constants.SurbBatchSize {
		batch := constants.SurbBatchSize
		if remaining := amount - sent; uint32(batch) > remaining {
			batch = int(remaining)
		}
		surbs := make([]types.ReplySURB, batch)
		for i := range surbs {
			surbs[i] = types.NewReplySURB(make([]byte, types.ReplySURBLen(c.cfg.NumMixHops)))
		}
		if err := c.sender.SendFreshSurbs(tag, surbs); err != nil {
			log.Warningf("reply: failed sending surb batch to %s: %s", tag, err)
			return
		}
	}
}

// recipientAsTag derives the AnonymousSenderTag used to key our own
// per-recipient storage from a Recipient we are servicing a SURB request
// for. The derivation is a black box belonging to the Sphinx layer in the
// real system; here it is a deterministic, storage-compatible stand-in.
func recipientAsTag(r types.Recipient) types.AnonymousSenderTag {
	var tag types.AnonymousSenderTag
	copy(tag[:], r.IdentityKey())
	return tag
}

func (c *Controller) handleLaneQueueLength(msg LaneQueueLength) {
	lane := types.ConnectionLane(msg.ConnectionID)
	total := 0
	for _, tag := range c.surbs.Recipients() {
		total += c.buffer.LaneLength(tag, lane)
	}
	msg.Response <- total
}

func (c *Controller) inspectStale() {
	now := time.Now()
	for _, tag := range c.surbs.Recipients() {
		if c.buffer.IsEmpty(tag) {
			continue
		}
		lastReceived, ok := c.surbs.LastReceivedAt(tag)
		if !ok {
			continue
		}
		age := now.Sub(lastReceived)
		if age > c.cfg.MaximumReplySurbDropWaitingPeriod {
			c.dropPending(tag)
			continue
		}
		if age > c.cfg.MaximumReplySurbRerequestWaitingPeriod {
			c.surbs.ResetPendingReception(tag)
			c.requestReplySurbsForQueueClearing(tag)
		}
	}
}

func (c *Controller) dropPending(tag types.AnonymousSenderTag) {
	for {
		fragments := c.buffer.PopAtMostNNextMessagesAtRandom(tag, 1024)
		if len(fragments) == 0 {
			break
		}
	}
	// Queued retransmissions are pending replies too; a recipient we have
	// given up on keeps none of them.
	c.mu.Lock()
	delete(c.pendingRetransmissions, tag)
	c.mu.Unlock()
}

func (c *Controller) invalidateOldData() {
	now := time.Now()
	for _, tag := range c.surbs.Recipients() {
		lastReceived, ok := c.surbs.LastReceivedAt(tag)
		if ok && now.Sub(lastReceived) > c.cfg.MaximumReplySurbAge {
			c.surbs.Remove(tag)
		}
	}
	_ = c.cfg.MaximumReplyKeyAge // reply key expiry is enforced by the go-cache TTL passed to NewMemReplyKeysStorage
}
