package channel

import (
	"context"
	"testing"
	"time"

	"depthflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1)
	if c.Snapshots == nil {
		t.Fatalf("expected non-nil snapshot channel")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendSnapshotDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()
	ctx := context.Background()

	snap := models.DepthSnapshot{Exchange: "binance", Symbol: "BTCUSDT"}
	if !c.SendSnapshot(ctx, snap) {
		t.Fatal("send into empty buffer failed")
	}
	if c.SendSnapshot(ctx, snap) {
		t.Fatal("send into full buffer did not drop")
	}

	stats := c.GetStats()
	if stats.SnapshotsSent != 1 || stats.SnapshotsDropped != 1 {
		t.Errorf("stats = %+v, want 1 sent 1 dropped", stats)
	}
}

func TestSendSnapshotCancelledContext(t *testing.T) {
	c := NewChannels(0)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendSnapshot(ctx, models.DepthSnapshot{}) {
		t.Fatal("send succeeded on cancelled context with no receiver")
	}
}
