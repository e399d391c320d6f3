package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emptyClosedSource struct{}

func (emptyClosedSource) Recent(time.Time, int) []*store.ClosedRecord { return nil }

func newPeerKeys(t *testing.T, peers ...string) (map[string]ed25519.PrivateKey, map[string]ed25519.PublicKey) {
	t.Helper()
	privs := make(map[string]ed25519.PrivateKey, len(peers))
	pubs := make(map[string]ed25519.PublicKey, len(peers))
	for _, peer := range peers {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		privs[peer] = priv
		pubs[peer] = pub
	}
	return privs, pubs
}

func newTestCoordinator(t *testing.T, nodeID string, verifier Verifier, corro *score.CorroborationIndex) *Coordinator {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewEd25519Signer(priv)
	require.NoError(t, err)

	return New(Options{
		NodeID:        nodeID,
		Peers:         []string{"peer-1", "peer-2", "peer-3"},
		SubjectPrefix: "federation.node",
		Interval:      time.Minute,
		Fanout:        2,
		MaxHops:       4,
		SeenCacheSize: 128,
	}, nil, signer, verifier, corro, emptyClosedSource{}, metrics.NewForTest(), testLogger())
}

// signedMessage builds a message signed with the sender's key, with hops
// exhausted so handling never attempts a forward.
func signedMessage(t *testing.T, nodeID string, priv ed25519.PrivateKey, digests []model.IncidentDigest) []byte {
	t.Helper()
	msg := &model.FederationMessage{
		MsgID:   "msg-" + nodeID,
		NodeID:  nodeID,
		Digests: digests,
		SentAt:  time.Now().UTC(),
	}
	payload, err := signingBytes(msg)
	require.NoError(t, err)
	msg.Signature = ed25519.Sign(priv, payload)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestHandleInbound_ValidMessageRecordsCorroboration(t *testing.T) {
	privs, pubs := newPeerKeys(t, "peer-1")
	corro := score.NewCorroborationIndex(time.Minute)
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(pubs), corro)

	digest := model.EntityDigest("host-a")
	data := signedMessage(t, "peer-1", privs["peer-1"], []model.IncidentDigest{
		{EntityDigests: []string{digest}, SignalCount: 3, Severity: 0.8},
	})

	c.HandleInbound(data)

	assert.Equal(t, 1, corro.Matches(digest))
	assert.Equal(t, 0, c.trust.Score("peer-1"))
}

func TestHandleInbound_BadSignatureDiscardedAndTrustDecremented(t *testing.T) {
	privs, pubs := newPeerKeys(t, "peer-1", "peer-2")
	corro := score.NewCorroborationIndex(time.Minute)
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(pubs), corro)

	digest := model.EntityDigest("host-a")
	// Signed with peer-2's key but claiming to be peer-1.
	data := signedMessage(t, "peer-1", privs["peer-2"], []model.IncidentDigest{
		{EntityDigests: []string{digest}},
	})

	c.HandleInbound(data)

	assert.Equal(t, 0, corro.Matches(digest), "nothing from an unverifiable message may influence scoring")
	assert.Equal(t, -1, c.trust.Score("peer-1"))
}

func TestHandleInbound_UnknownSenderRejected(t *testing.T) {
	privs, _ := newPeerKeys(t, "peer-x")
	corro := score.NewCorroborationIndex(time.Minute)
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(nil), corro)

	data := signedMessage(t, "peer-x", privs["peer-x"], nil)
	c.HandleInbound(data)

	assert.Equal(t, -1, c.trust.Score("peer-x"))
}

func TestHandleInbound_DuplicateMessageIgnored(t *testing.T) {
	privs, pubs := newPeerKeys(t, "peer-1")
	corro := score.NewCorroborationIndex(time.Minute)
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(pubs), corro)

	digest := model.EntityDigest("host-a")
	data := signedMessage(t, "peer-1", privs["peer-1"], []model.IncidentDigest{
		{EntityDigests: []string{digest}},
	})

	c.HandleInbound(data)
	c.HandleInbound(data)

	assert.Equal(t, 1, corro.Matches(digest), "replayed gossip must not double-count corroboration")
}

func TestHandleInbound_OwnEchoIgnored(t *testing.T) {
	privs, pubs := newPeerKeys(t, "node-a")
	corro := score.NewCorroborationIndex(time.Minute)
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(pubs), corro)

	digest := model.EntityDigest("host-a")
	data := signedMessage(t, "node-a", privs["node-a"], []model.IncidentDigest{
		{EntityDigests: []string{digest}},
	})
	c.HandleInbound(data)

	assert.Equal(t, 0, corro.Matches(digest))
}

// Forwarders decrement HopsLeft, so the hop counter must sit outside the
// signed payload or every relayed message would fail verification.
func TestBuildDigestMessage_MeanIgnoresUnscoredRecords(t *testing.T) {
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(nil), score.NewCorroborationIndex(time.Minute))

	now := time.Now().UTC()
	records := []*store.ClosedRecord{
		{
			Summary:  model.IncidentSummary{ID: 1, SignalIDs: []string{"s1"}, Entities: []string{"host-a"}},
			Score:    &model.ThreatScore{IncidentID: 1, Value: 0.8},
			ClosedAt: now,
		},
		{
			// Closed by the idle timer before any score landed.
			Summary:  model.IncidentSummary{ID: 2, SignalIDs: []string{"s2"}, Entities: []string{"host-b"}},
			ClosedAt: now,
		},
	}

	msg := c.buildDigestMessage(records)

	require.Len(t, msg.Digests, 2)
	assert.Equal(t, 2, msg.ScoreSummary.Count)
	assert.Equal(t, 0.8, msg.ScoreSummary.Mean, "unscored records must not dilute the mean")
	assert.Equal(t, 0.8, msg.ScoreSummary.Max)
}

func TestBuildDigestMessage_AllUnscoredYieldsZeroMean(t *testing.T) {
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(nil), score.NewCorroborationIndex(time.Minute))

	msg := c.buildDigestMessage([]*store.ClosedRecord{
		{Summary: model.IncidentSummary{ID: 1}, ClosedAt: time.Now().UTC()},
	})

	assert.Equal(t, 1, msg.ScoreSummary.Count)
	assert.Zero(t, msg.ScoreSummary.Mean)
}

func TestSignature_SurvivesHopDecrement(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub := priv.Public().(ed25519.PublicKey)

	msg := &model.FederationMessage{
		MsgID:    "msg-1",
		NodeID:   "peer-1",
		HopsLeft: 4,
		SentAt:   time.Now().UTC(),
	}
	payload, err := signingBytes(msg)
	require.NoError(t, err)
	msg.Signature = ed25519.Sign(priv, payload)

	msg.HopsLeft--

	relayed, err := signingBytes(msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, relayed, msg.Signature))
}

func TestPickPeers_BoundedFanoutSkipsSender(t *testing.T) {
	_, pubs := newPeerKeys(t, "peer-1")
	c := newTestCoordinator(t, "node-a", NewEd25519Verifier(pubs), score.NewCorroborationIndex(time.Minute))

	for i := 0; i < 20; i++ {
		picked := c.pickPeers("peer-2")
		assert.LessOrEqual(t, len(picked), 2)
		assert.NotContains(t, picked, "peer-2")
		assert.NotContains(t, picked, "node-a")
	}
}
