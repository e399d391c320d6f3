package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

// ClosedSource supplies recently closed incidents for outbound digests.
type ClosedSource interface {
	Recent(since time.Time, limit int) []*store.ClosedRecord
}

// Coordinator gossips incident digests with peer nodes. Messages propagate
// eventually, not totally: each node forwards unseen messages to a bounded
// random subset of peers until the hop limit runs out. Network partitions
// never block local processing; a partitioned node keeps operating and
// resumes gossip on reconnection.
type Coordinator struct {
	nodeID        string
	nc            *nats.Conn
	peers         []string
	subjectPrefix string
	interval      time.Duration
	fanout        int
	maxHops       int

	signer   Signer
	verifier Verifier
	seen     *lru.Cache[string, bool]
	corro    *score.CorroborationIndex
	closed   ClosedSource
	trust    *TrustTracker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu            sync.Mutex
	rng           *rand.Rand
	lastBroadcast time.Time

	sub  *nats.Subscription
	stop chan struct{}
	done chan struct{}
}

// Options bundles coordinator construction parameters.
type Options struct {
	NodeID        string
	Peers         []string
	SubjectPrefix string
	Interval      time.Duration
	Fanout        int
	MaxHops       int
	SeenCacheSize int
}

// New creates a federation coordinator.
func New(opts Options, nc *nats.Conn, signer Signer, verifier Verifier,
	corro *score.CorroborationIndex, closed ClosedSource, m *metrics.Metrics, logger *slog.Logger) *Coordinator {

	seen, _ := lru.New[string, bool](opts.SeenCacheSize)
	return &Coordinator{
		nodeID:        opts.NodeID,
		nc:            nc,
		peers:         opts.Peers,
		subjectPrefix: opts.SubjectPrefix,
		interval:      opts.Interval,
		fanout:        opts.Fanout,
		maxHops:       opts.MaxHops,
		signer:        signer,
		verifier:      verifier,
		seen:          seen,
		corro:         corro,
		closed:        closed,
		trust:         NewTrustTracker(),
		metrics:       m,
		logger:        logger,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		lastBroadcast: time.Now(),
	}
}

// Start subscribes this node's inbox and launches the broadcast timer.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.nc.Subscribe(c.inbox(c.nodeID), func(msg *nats.Msg) {
		c.HandleInbound(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe federation inbox: %w", err)
	}
	c.sub = sub

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.runBroadcast(ctx)

	c.logger.Info("Federation coordinator started",
		"node_id", c.nodeID,
		"peers", len(c.peers),
		"interval", c.interval)
	return nil
}

// Stop halts the broadcast timer and drains the inbox subscription.
func (c *Coordinator) Stop() {
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
	}
	if c.sub != nil {
		c.sub.Drain()
		c.sub = nil
	}
}

func (c *Coordinator) runBroadcast(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Broadcast()
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// Broadcast assembles a message from incidents closed since the last
// broadcast and gossips it to a random peer subset. A quiet interval sends
// nothing.
func (c *Coordinator) Broadcast() {
	c.mu.Lock()
	since := c.lastBroadcast
	c.lastBroadcast = time.Now()
	c.mu.Unlock()

	records := c.closed.Recent(since, 100)
	if len(records) == 0 {
		return
	}
	msg := c.buildDigestMessage(records)

	if err := c.sign(msg); err != nil {
		c.logger.Error("Failed to sign federation message", "error", err)
		return
	}

	// Our own broadcasts count as seen so a gossip echo is never reprocessed.
	c.seen.Add(msg.MsgID, true)
	c.send(msg, "")
}

func (c *Coordinator) buildDigestMessage(records []*store.ClosedRecord) *model.FederationMessage {
	msg := &model.FederationMessage{
		MsgID:    uuid.NewString(),
		NodeID:   c.nodeID,
		HopsLeft: c.maxHops,
		SentAt:   time.Now().UTC(),
	}
	var sum, max float64
	scored := 0
	for _, rec := range records {
		digest := model.IncidentDigest{
			SignalCount: len(rec.Summary.SignalIDs),
			ClosedAt:    rec.ClosedAt,
		}
		for _, entity := range rec.Summary.Entities {
			digest.EntityDigests = append(digest.EntityDigests, model.EntityDigest(entity))
		}
		if rec.Score != nil {
			digest.Severity = rec.Score.Value
			sum += rec.Score.Value
			scored++
			if rec.Score.Value > max {
				max = rec.Score.Value
			}
		}
		msg.Digests = append(msg.Digests, digest)
	}
	// Mean over the score-bearing records only; unscored closures would
	// otherwise drag the reported severity toward zero.
	msg.ScoreSummary = model.ScoreSummary{
		Count: len(records),
		Max:   max,
	}
	if scored > 0 {
		msg.ScoreSummary.Mean = sum / float64(scored)
	}
	return msg
}

// HandleInbound verifies, records, and forwards a gossiped message.
func (c *Coordinator) HandleInbound(data []byte) {
	var msg model.FederationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.metrics.FederationRejected.Inc()
		c.logger.Warn("Discarding undecodable federation message", "error", err)
		return
	}

	if msg.NodeID == c.nodeID {
		return
	}

	if !c.verify(&msg) {
		// VerificationFailed: drop, count, decrement sender trust. Nothing
		// from the message is believed, and no local score is touched.
		c.metrics.FederationRejected.Inc()
		c.trust.Decrement(msg.NodeID)
		c.logger.Warn("Discarding unverifiable federation message",
			"node_id", msg.NodeID,
			"msg_id", msg.MsgID,
			"trust", c.trust.Score(msg.NodeID))
		return
	}

	if _, dup := c.seen.Get(msg.MsgID); dup {
		return
	}
	c.seen.Add(msg.MsgID, true)
	c.metrics.FederationReceived.Inc()

	// Peer corroboration raises local scoring confidence; it never sets a
	// score directly. Local response authority stays local.
	for _, digest := range msg.Digests {
		for _, entityDigest := range digest.EntityDigests {
			c.corro.Record(entityDigest, msg.NodeID)
		}
	}

	if msg.HopsLeft > 0 {
		fwd := msg
		fwd.HopsLeft--
		c.send(&fwd, msg.NodeID)
	}
}

// send gossips the message to a bounded random subset of peers, skipping
// the node it arrived from.
func (c *Coordinator) send(msg *model.FederationMessage, skip string) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal federation message", "error", err)
		return
	}

	for _, peer := range c.pickPeers(skip) {
		if err := c.nc.Publish(c.inbox(peer), data); err != nil {
			// Gossip tolerates loss; a failed send just means this peer
			// hears it from someone else or not at all.
			c.logger.Debug("Federation publish failed", "peer", peer, "error", err)
			continue
		}
		c.metrics.FederationSent.Inc()
	}
}

func (c *Coordinator) pickPeers(skip string) []string {
	eligible := make([]string, 0, len(c.peers))
	for _, p := range c.peers {
		if p != skip && p != c.nodeID {
			eligible = append(eligible, p)
		}
	}

	c.mu.Lock()
	c.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	c.mu.Unlock()

	if len(eligible) > c.fanout {
		eligible = eligible[:c.fanout]
	}
	return eligible
}

func (c *Coordinator) inbox(nodeID string) string {
	return c.subjectPrefix + "." + nodeID
}

// signingBytes is the canonical payload covered by the signature. HopsLeft
// is excluded so forwarding nodes can decrement it without breaking the
// origin signature.
func signingBytes(msg *model.FederationMessage) ([]byte, error) {
	clone := *msg
	clone.Signature = nil
	clone.HopsLeft = 0
	return json.Marshal(&clone)
}

func (c *Coordinator) sign(msg *model.FederationMessage) error {
	data, err := signingBytes(msg)
	if err != nil {
		return err
	}
	sig, err := c.signer.Sign(data)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

func (c *Coordinator) verify(msg *model.FederationMessage) bool {
	if len(msg.Signature) == 0 {
		return false
	}
	data, err := signingBytes(msg)
	if err != nil {
		return false
	}
	return c.verifier.Verify(data, msg.Signature, msg.NodeID)
}

// Trust exposes the per-peer trust counters for the status surface.
func (c *Coordinator) Trust() map[string]int {
	return c.trust.Snapshot()
}

// PeerCount reports the number of configured peers.
func (c *Coordinator) PeerCount() int {
	return len(c.peers)
}
