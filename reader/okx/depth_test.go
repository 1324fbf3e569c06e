package okx

import (
	"context"
	"testing"
	"time"

	appconfig "depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
)

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Reader: appconfig.ReaderConfig{Timeout: time.Second},
		Source: appconfig.SourceConfig{
			Okx: appconfig.VenueConfig{
				Enabled: true,
				URL:     "wss://example.com/ws",
				Symbols: []string{"BTC-USDT-SWAP"},
			},
		},
	}
}

func TestNewDepthReader(t *testing.T) {
	cfg := minimalConfig()
	ch := channel.NewChannels(1)
	defer ch.Close()

	if r := NewDepthReader(cfg, ch, []string{"BTC-USDT-SWAP"}); r == nil {
		t.Fatal("NewDepthReader returned nil")
	}
}

func TestProcessMessageForwardsBookData(t *testing.T) {
	ch := channel.NewChannels(1)
	defer ch.Close()
	r := &DepthReader{channels: ch, ctx: context.Background(), log: logger.GetLogger()}

	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT-SWAP"},"data":[{"bids":[["100.5","2","0","1"],["100.0","1","0","1"]],"asks":[["101.0","3","0","1"]],"ts":"1700000000000","seqId":77}]}`)
	if !r.processMessage(raw) {
		t.Fatal("processMessage returned false for a data event")
	}

	select {
	case snap := <-ch.Snapshots:
		if snap.Exchange != "okx" || snap.Symbol != "BTC-USDT-SWAP" {
			t.Fatalf("unexpected identity: %s %s", snap.Exchange, snap.Symbol)
		}
		if snap.Timestamp != 1700000000000 {
			t.Errorf("timestamp = %d, want ts from event", snap.Timestamp)
		}
		if snap.LastUpdateID != 77 {
			t.Errorf("last update id = %d, want 77", snap.LastUpdateID)
		}
		if len(snap.Bids) != 2 || snap.Bids[0].Price != 100.0 || snap.Bids[1].Price != 100.5 {
			t.Errorf("bids not ascending: %+v", snap.Bids)
		}
		if len(snap.Asks) != 1 || snap.Asks[0].Qty != 3 {
			t.Errorf("unexpected asks: %+v", snap.Asks)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestProcessMessageIgnoresControlFrames(t *testing.T) {
	ch := channel.NewChannels(1)
	defer ch.Close()
	r := &DepthReader{channels: ch, ctx: context.Background(), log: logger.GetLogger()}

	frames := [][]byte{
		[]byte("pong"),
		[]byte(`{"event":"subscribe","arg":{"channel":"books5","instId":"BTC-USDT-SWAP"}}`),
		[]byte(`{"event":"error","msg":"bad instrument"}`),
		[]byte(`not json`),
	}
	for _, frame := range frames {
		if r.processMessage(frame) {
			t.Fatalf("control frame forwarded as data: %s", frame)
		}
	}

	select {
	case snap := <-ch.Snapshots:
		t.Fatalf("unexpected snapshot from control frame: %+v", snap)
	default:
	}
}

func TestSnapshotFromBookBadTimestamp(t *testing.T) {
	before := uint64(time.Now().UnixMilli())
	snap := snapshotFromBook("BTC-USDT-SWAP", [][]string{{"1", "2"}}, nil, "garbage", 1)
	if snap.Timestamp < before {
		t.Errorf("bad ts should fall back to wall clock, got %d", snap.Timestamp)
	}
}
