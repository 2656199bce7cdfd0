package tracker

import (
	"context"
	"fmt"
	"math/big"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/config/types"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier"
	"github.com/xcall-tracker/xtracker/tracker/storage"
	"github.com/xcall-tracker/xtracker/xcall"
)

var testNow = time.Unix(1700000000, 0).UTC()

type chainsMock map[string]adapter.ChainConfig

func (c chainsMock) Chain(id string) (adapter.ChainConfig, error) {
	cfg, ok := c[id]
	if !ok {
		return adapter.ChainConfig{}, fmt.Errorf("unknown chain %s", id)
	}
	return cfg, nil
}

var testChains = chainsMock{
	"avalanche": {ID: "avalanche", NetworkID: "0xa86a.avax"},
	"icon":      {ID: "icon", NetworkID: "0x1.icon", Hub: true},
	"archway":   {ID: "archway", NetworkID: "archway-1"},
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []xcall.MessageStatus
}

func (o *recordingObserver) OnMessageUpdated(_ context.Context, _ db.Querier, m *xcall.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, m.Status)
	return nil
}

type violations struct {
	mu    sync.Mutex
	kinds []string
}

func (v *violations) InvariantViolation(kind string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.kinds = append(v.kinds, kind)
}

type fixture struct {
	storage  *storage.SQLStorage
	tracker  *Tracker
	observer *recordingObserver
	metrics  *violations
	changes  <-chan notifier.StatusChange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := log.GetDefaultLogger()
	st, err := storage.NewSQLStorage(logger, path.Join(t.TempDir(), "tracker.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := notifier.NewGenericSubscriberImpl[notifier.StatusChange](16, nil)
	observer := &recordingObserver{}
	metrics := &violations{}
	tr := New(st, testChains, observer, NewKeyedMutex(), NewStatusPublisher(st, hub, nil, logger),
		metrics, logger)
	tr.now = func() time.Time { return testNow }
	return &fixture{storage: st, tracker: tr, observer: observer, metrics: metrics, changes: hub.Subscribe("test")}
}

func (f *fixture) seed(t *testing.T, hash, source, destination, final string) *xcall.Message {
	t.Helper()

	tx := &xcall.Transaction{
		ID:                      xcall.EntityID(source, hash),
		Type:                    xcall.TxBridge,
		SourceChainID:           source,
		SourceTxHash:            hash,
		FinalDestinationChainID: final,
		SecondaryHopRequired:    destination != final,
		Status:                  xcall.TxPending,
		CreatedAt:               testNow,
		UpdatedAt:               testNow,
	}
	hop1 := xcall.NewMessage(tx.ID, 1, source, hash, destination, 10, 20, testNow)
	require.NoError(t, f.storage.RunInTx(context.Background(), func(q db.Querier) error {
		if err := f.storage.InsertTransaction(q, tx); err != nil {
			return err
		}
		return f.storage.InsertMessage(q, hop1)
	}))
	return hop1
}

func (f *fixture) status(t *testing.T, id string) xcall.MessageStatus {
	t.Helper()
	m, err := f.storage.GetMessage(nil, id)
	require.NoError(t, err)
	return m.Status
}

func sent(hash string, seq int64) xcall.Event {
	return xcall.Event{Kind: xcall.MessageSent, ChainID: "avalanche", TxHash: hash, Height: 11, LogIndex: 2,
		From: "0xdapp", To: "0x1.icon/cxdapp", Sequence: big.NewInt(seq)}
}

func received(seq, reqID int64, fromNID string) xcall.Event {
	return xcall.Event{Kind: xcall.MessageReceived, ChainID: "icon", TxHash: fmt.Sprintf("0xr%d", reqID),
		Height: 21, LogIndex: 0, From: fromNID + "/0xdapp", To: "cxdapp",
		Sequence: big.NewInt(seq), RequestID: big.NewInt(reqID)}
}

func executed(reqID int64, code int32) xcall.Event {
	return xcall.Event{Kind: xcall.MessageExecuted, ChainID: "icon", TxHash: fmt.Sprintf("0xe%d", reqID),
		Height: 22, LogIndex: 1, RequestID: big.NewInt(reqID), Code: code, Message: "reverted"}
}

func (f *fixture) ingestAndReconcile(t *testing.T, chainID string, events ...xcall.Event) int {
	t.Helper()
	ctx := context.Background()
	_, err := f.tracker.IngestEvents(ctx, chainID, events)
	require.NoError(t, err)
	changed, err := f.tracker.ReconcileChain(ctx, chainID)
	require.NoError(t, err)
	return changed
}

func TestReconcileInProtocolOrder(t *testing.T) {
	f := newFixture(t)
	hop1 := f.seed(t, "0xaaa", "avalanche", "icon", "icon")

	steps := []struct {
		chain    string
		event    xcall.Event
		expected xcall.MessageStatus
	}{
		{"avalanche", sent("0xaaa", 42), xcall.StatusRequested},
		{"icon", received(42, 7, "0xa86a.avax"), xcall.StatusInProgress},
		{"icon", executed(7, 0), xcall.StatusExecutedSuccess},
	}
	require.Equal(t, xcall.StatusRequested, f.status(t, hop1.ID))
	for _, step := range steps {
		require.Equal(t, 1, f.ingestAndReconcile(t, step.chain, step.event))
		require.Equal(t, step.expected, f.status(t, hop1.ID))
	}
	require.Equal(t, []xcall.MessageStatus{
		xcall.StatusRequested, xcall.StatusInProgress, xcall.StatusExecutedSuccess,
	}, f.observer.statuses)

	change := <-f.changes
	require.Equal(t, hop1.TransactionID, change.TransactionID)
}

func TestReconcileOutOfOrder(t *testing.T) {
	f := newFixture(t)
	hop1 := f.seed(t, "0xbbb", "avalanche", "icon", "icon")

	// destination scanned first: nothing correlates yet
	require.Equal(t, 0, f.ingestAndReconcile(t, "icon", received(5, 9, "0xa86a.avax"), executed(9, 0)))
	require.Equal(t, xcall.StatusRequested, f.status(t, hop1.ID))

	require.Equal(t, 1, f.ingestAndReconcile(t, "avalanche", sent("0xbbb", 5)))
	m, err := f.storage.GetMessage(nil, hop1.ID)
	require.NoError(t, err)
	require.Equal(t, xcall.StatusExecutedSuccess, m.Status)
	require.Len(t, m.Events, 3)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	hop1 := f.seed(t, "0xccc", "avalanche", "icon", "icon")
	events := []xcall.Event{received(1, 1, "0xa86a.avax"), executed(1, 5)}

	f.ingestAndReconcile(t, "avalanche", sent("0xccc", 1))
	require.Equal(t, 1, f.ingestAndReconcile(t, "icon", events...))
	require.Equal(t, xcall.StatusExecutedFailure, f.status(t, hop1.ID))

	require.Equal(t, 0, f.ingestAndReconcile(t, "icon", events...))
	require.Equal(t, 0, f.ingestAndReconcile(t, "avalanche", sent("0xccc", 1)))
	require.Equal(t, xcall.StatusExecutedFailure, f.status(t, hop1.ID))
}

func TestReconcileSkipsFailingMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// solana is not in the registry, so the Received lookup of this hop fails
	broken := f.seed(t, "0xdead", "solana", "icon", "icon")
	healthy := f.seed(t, "0xbeef", "avalanche", "icon", "icon")

	_, err := f.tracker.IngestEvents(ctx, "solana", []xcall.Event{{Kind: xcall.MessageSent, ChainID: "solana",
		TxHash: "0xdead", Height: 5, From: "sol1dapp", To: "0x1.icon/cxdapp", Sequence: big.NewInt(8)}})
	require.NoError(t, err)
	_, err = f.tracker.ReconcileChain(ctx, "solana")
	require.NoError(t, err)
	_, err = f.tracker.IngestEvents(ctx, "avalanche", []xcall.Event{sent("0xbeef", 4)})
	require.NoError(t, err)

	changed := f.ingestAndReconcile(t, "icon", received(8, 80, "solana-1"), received(4, 40, "0xa86a.avax"),
		executed(40, 0))
	require.Equal(t, 1, changed)
	require.Equal(t, xcall.StatusExecutedSuccess, f.status(t, healthy.ID))
	require.Equal(t, xcall.StatusRequested, f.status(t, broken.ID))
	require.Contains(t, f.metrics.kinds, "reconcile_failed")
}

func TestReceivedFromOtherNetworkDoesNotCorrelate(t *testing.T) {
	f := newFixture(t)
	hop1 := f.seed(t, "0xddd", "avalanche", "icon", "icon")

	f.ingestAndReconcile(t, "avalanche", sent("0xddd", 3))
	require.Equal(t, 0, f.ingestAndReconcile(t, "icon", received(3, 4, "archway-1")))
	require.Equal(t, xcall.StatusRequested, f.status(t, hop1.ID))

	require.Equal(t, 1, f.ingestAndReconcile(t, "icon", received(3, 5, "0xa86a.avax")))
	require.Equal(t, xcall.StatusInProgress, f.status(t, hop1.ID))
}

func TestIngestRejectsForeignEvents(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.IngestEvents(context.Background(), "icon", []xcall.Event{sent("0x1", 1)})
	require.Error(t, err)
}

func TestStallFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hop1 := f.seed(t, "0xeee", "avalanche", "icon", "icon")

	require.NoError(t, f.tracker.MarkChainStalled(ctx, "icon", "icon fetch failing"))
	m, err := f.storage.GetMessage(nil, hop1.ID)
	require.NoError(t, err)
	require.True(t, m.Stalled)
	change := <-f.changes
	require.True(t, change.Hops[0].Stalled)
	require.Contains(t, change.StatusText, "delayed")

	require.NoError(t, f.tracker.ClearChainStalled(ctx, "icon", "icon fetch failing"))
	m, err = f.storage.GetMessage(nil, hop1.ID)
	require.NoError(t, err)
	require.False(t, m.Stalled)
	require.Equal(t, xcall.StatusRequested, m.Status)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	require.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("lock on a acquired twice")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetentionRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hop1 := f.seed(t, "0xfff", "avalanche", "icon", "icon")

	tx, err := f.storage.GetTransaction(nil, hop1.TransactionID)
	require.NoError(t, err)
	tx.Status = xcall.TxSuccess
	require.NoError(t, f.storage.UpsertTransaction(nil, tx))
	_, err = f.tracker.IngestEvents(ctx, "icon", []xcall.Event{executed(77, 0)})
	require.NoError(t, err)

	r := NewRetention(f.storage, Config{RetentionPeriod: types.NewDuration(time.Hour)}, log.GetDefaultLogger())
	r.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	archived, pruned, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), archived)
	require.Equal(t, int64(1), pruned)
}
