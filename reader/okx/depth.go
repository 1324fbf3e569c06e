// Package okx streams swap order book snapshots from the OKX websocket. The
// books5 channel pushes the full top of book on every change, so each event
// maps directly onto a depth snapshot without delta reassembly.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
)

// bookEvent is one push from the books5 subscription.
type bookEvent struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Bids  [][]string `json:"bids"`
		Asks  [][]string `json:"asks"`
		Ts    string     `json:"ts"`
		SeqID int64      `json:"seqId"`
	} `json:"data"`
}

// DepthReader subscribes to OKX websocket book streams and forwards the
// normalized snapshots into the snapshot channel. It connects directly to the
// official OKX websocket without relying on third-party SDKs.
type DepthReader struct {
	config     *appconfig.Config
	channels   *channel.Channels
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
	symbols    []string
	httpClient *http.Client
}

// NewDepthReader creates a websocket depth reader for the supplied symbols.
func NewDepthReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *DepthReader {
	return &DepthReader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Start establishes a websocket connection and subscribes to book streams for
// all configured symbols. If the connection drops it is re-established
// automatically until the context is cancelled.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	venue := r.config.Source.Okx
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"operation": "start"})
	if !venue.Enabled {
		log.Warn("okx depth snapshots are disabled")
		return fmt.Errorf("okx depth snapshots are disabled")
	}

	r.httpClient = &http.Client{
		Transport: userAgentTransport{agent: "curl/8.5.0", base: http.DefaultTransport},
		Timeout:   r.config.Reader.Timeout,
	}
	r.symbols = r.validateSymbols(r.symbols)

	log.WithFields(logger.Fields{"symbols": r.symbols}).Info("starting okx depth reader")
	r.wg.Add(1)
	go r.stream(r.symbols, venue.URL)
	log.Info("okx depth reader started successfully")
	return nil
}

// Stop terminates the websocket subscription and waits for goroutines to
// finish.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("okx_reader").Info("stopping okx depth reader")
	r.wg.Wait()
	r.log.WithComponent("okx_reader").Info("okx depth reader stopped")
}

// stream handles websocket lifecycle, reconnection and forwarding of events.
func (r *DepthReader) stream(symbols []string, wsURL string) {
	defer r.wg.Done()
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"symbols": symbols, "worker": "depth_stream"})

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		args := make([]map[string]string, 0, len(symbols))
		for _, sym := range symbols {
			args = append(args, map[string]string{
				"channel": "books5",
				"instId":  sym,
			})
		}
		sub := map[string]interface{}{"op": "subscribe", "args": args}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			continue
		}

		pingTicker := time.NewTicker(20 * time.Second)
		done := make(chan struct{})
		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-done:
					return
				case <-r.ctx.Done():
					conn.Close()
					return
				case <-pingTicker.C:
					conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(done)
				conn.Close()
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("websocket read error, reconnecting")
				break
			}
			r.processMessage(msg)
		}

		time.Sleep(time.Second)
	}
}

// processMessage decodes one websocket frame and forwards book data. Returns
// true only when a data event was forwarded.
func (r *DepthReader) processMessage(msg []byte) bool {
	log := r.log.WithComponent("okx_reader")

	if string(msg) == "pong" {
		return false
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(msg, &base); err != nil {
		log.WithError(err).Debug("failed to decode message")
		return false
	}
	if _, ok := base["event"]; ok {
		var evt struct {
			Event string `json:"event"`
			Msg   string `json:"msg"`
		}
		json.Unmarshal(msg, &evt)
		if evt.Event == "error" {
			log.WithFields(logger.Fields{"msg": evt.Msg}).Warn("okx subscription error")
		}
		return false
	}
	if _, ok := base["data"]; !ok {
		return false
	}

	var evt bookEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		log.WithError(err).Debug("failed to decode book event")
		return false
	}
	return r.handleEvent(&evt)
}

func (r *DepthReader) handleEvent(evt *bookEvent) bool {
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"symbol": evt.Arg.InstID})

	forwarded := false
	for i := range evt.Data {
		snap := snapshotFromBook(evt.Arg.InstID, evt.Data[i].Bids, evt.Data[i].Asks, evt.Data[i].Ts, evt.Data[i].SeqID)
		if snap.Empty() {
			continue
		}

		if r.channels.SendSnapshot(r.ctx, snap) {
			logger.LogDataFlowEntry(log, "okx_ws", "snapshot_channel", len(snap.Bids)+len(snap.Asks), "depth_levels")
			logger.IncrementSnapshotRead(len(snap.Bids) + len(snap.Asks))
			forwarded = true
		} else if r.ctx.Err() != nil {
			return forwarded
		} else {
			log.Warn("snapshot channel is full, dropping data")
		}
	}
	return forwarded
}

// snapshotFromBook converts books5 level arrays into a depth snapshot. OKX
// levels carry four fields; only price and size are used.
func snapshotFromBook(symbol string, bids, asks [][]string, ts string, seqID int64) models.DepthSnapshot {
	t, err := strconv.ParseUint(ts, 10, 64)
	if err != nil || t == 0 {
		t = uint64(time.Now().UnixMilli())
	}

	return models.DepthSnapshot{
		Exchange:     "okx",
		Symbol:       symbol,
		Bids:         models.ParseLevels(bids),
		Asks:         models.ParseLevels(asks),
		LastUpdateID: seqID,
		Timestamp:    t,
	}
}

// validateSymbols filters the configured symbols against the live SWAP
// instrument list so one bad symbol does not poison the subscription.
func (r *DepthReader) validateSymbols(symbols []string) []string {
	log := r.log.WithComponent("okx_reader")

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, "https://www.okx.com/api/v5/public/instruments?instType=SWAP", nil)
	if err != nil {
		log.WithError(err).Warn("failed to build instruments request")
		return symbols
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("failed to fetch instruments list")
		return symbols
	}
	defer resp.Body.Close()

	var wrapper struct {
		Code string `json:"code"`
		Data []struct {
			InstID string `json:"instId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		log.WithError(err).Warn("failed to decode instruments list")
		return symbols
	}

	valid := make(map[string]struct{}, len(wrapper.Data))
	for _, inst := range wrapper.Data {
		valid[inst.InstID] = struct{}{}
	}
	var filtered []string
	for _, s := range symbols {
		if _, ok := valid[s]; ok {
			filtered = append(filtered, s)
		} else {
			log.WithFields(logger.Fields{"symbol": s}).Warn("invalid instrument, skipping")
		}
	}
	return filtered
}
