package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/xcall"
)

func TestGenericSubscriberFanOut(t *testing.T) {
	sut := NewGenericSubscriberImpl[int](2, nil)
	a := sut.Subscribe("a")
	b := sut.Subscribe("b")
	require.Equal(t, 2, sut.Subscribers())

	sut.Publish(7)
	require.Equal(t, 7, <-a)
	require.Equal(t, 7, <-b)

	sut.Unsubscribe(a)
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, sut.Subscribers())

	sut.Publish(8)
	require.Equal(t, 8, <-b)
}

func TestGenericSubscriberDropsForSlowReaders(t *testing.T) {
	var dropped []string
	sut := NewGenericSubscriberImpl[int](1, func(name string) { dropped = append(dropped, name) })
	slow := sut.Subscribe("slow")

	sut.Publish(1)
	sut.Publish(2)
	require.Equal(t, []string{"slow"}, dropped)
	require.Equal(t, 1, <-slow)
}

func TestNewStatusChange(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tx := &xcall.Transaction{ID: "avalanche:0x01", Type: xcall.TxSwap, Status: xcall.TxPending,
		SourceChainID: "avalanche", FinalDestinationChainID: "icon"}
	hop := xcall.NewMessage(tx.ID, 1, "avalanche", "0x01", "icon", 1, 2, now)

	change := NewStatusChange(tx, []*xcall.Message{hop, nil}, now)
	require.Equal(t, tx.ID, change.TransactionID)
	require.Len(t, change.Hops, 1)
	require.Equal(t, xcall.StatusRequested, change.Hops[0].Status)
	require.Equal(t, "Pending: avalanche to icon (step 1 of 1): waiting for source confirmation", change.StatusText)
}
