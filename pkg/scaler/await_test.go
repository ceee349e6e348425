package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/replscale/pkg/beacon"
	"github.com/ryandielhenn/replscale/pkg/replset"
)

func TestAwaitMembersWakesOnBeacon(t *testing.T) {
	c := newCluster(t, 3)
	res, err := c.o.ScaleUp(context.Background(), 2)
	require.NoError(t, err)

	c.db.unready = map[string]bool{res.DatabaseHosts[0]: true, res.DatabaseHosts[1]: true}
	tr := beacon.NewTracker()

	done := make(chan error, 1)
	go func() { done <- c.o.AwaitMembers(context.Background(), replset.Database, res.DatabaseHosts, tr) }()

	require.Eventually(t, func() bool { return len(tr.Pending()) == 2 }, time.Second, time.Millisecond)

	// poll interval is an hour, so only beacons can trigger the re-reads
	c.db.setReady(res.DatabaseHosts[0])
	tr.Observe(beacon.Arrival{From: "10.0.1.1", At: time.Now()})
	select {
	case err := <-done:
		t.Fatalf("returned before second member was ready: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.db.setReady(res.DatabaseHosts[1])
	tr.Observe(beacon.Arrival{From: "10.0.1.2", At: time.Now()})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitMembers did not return after both beacons")
	}
	assert.Empty(t, tr.Pending(), "entries forgotten on return")
}

func TestAwaitMembersTimesOut(t *testing.T) {
	c := newCluster(t, 3)
	host := "10.0.0.0:27019"
	c.cs.unready = map[string]bool{host: true}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.o.AwaitMembers(ctx, replset.ConfigServer, []string{host}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), host)
}

func TestAwaitMembersAlreadyReady(t *testing.T) {
	c := newCluster(t, 3)
	err := c.o.AwaitMembers(context.Background(), replset.Database, []string{"10.0.0.1:27017"}, nil)
	assert.NoError(t, err)
	assert.NoError(t, c.o.AwaitMembers(context.Background(), replset.Database, nil, nil))
}
