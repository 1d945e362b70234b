package control

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"livermore/internal/model"
)

const testNow = int64(1705315020000)

// fakeQueue is an in-memory Queue. An optional gate blocks pops until
// closed so tests can stage multiple commands before the drain runs.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]float64
	gate    chan struct{}

	zaddErr error

	pubs []pubbed
}

type pubbed struct {
	topic string
	resp  model.CommandResponse
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string]float64)}
}

func (f *fakeQueue) ZAdd(_ context.Context, _ string, score float64, member []byte) error {
	if f.zaddErr != nil {
		return f.zaddErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[string(member)] = score
	return nil
}

func (f *fakeQueue) ZPopMinOne(_ context.Context, _ string) (string, bool, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return "", false, nil
	}
	minScore := math.MaxFloat64
	var minMember string
	for m, s := range f.entries {
		if s < minScore {
			minScore, minMember = s, m
		}
	}
	delete(f.entries, minMember)
	return minMember, true, nil
}

func (f *fakeQueue) ZCard(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeQueue) Publish(_ context.Context, topic string, payload []byte) error {
	var resp model.CommandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pubbed{topic: topic, resp: resp})
	return nil
}

func (f *fakeQueue) responses() []model.CommandResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.CommandResponse, len(f.pubs))
	for i, p := range f.pubs {
		out[i] = p.resp
	}
	return out
}

func (f *fakeQueue) queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// fakeRuntime records command executions in order.
type fakeRuntime struct {
	mu      sync.Mutex
	calls   []string
	paused  bool
	mode    model.RunMode
	symbols []string

	resumeErr error
	clearN    int64
}

var _ Runtime = (*fakeRuntime)(nil)

func (r *fakeRuntime) call(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *fakeRuntime) callNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRuntime) Pause(context.Context) error {
	r.call("pause")
	r.paused = true
	return nil
}

func (r *fakeRuntime) Resume(context.Context) error {
	r.call("resume")
	if r.resumeErr != nil {
		return r.resumeErr
	}
	r.paused = false
	return nil
}

func (r *fakeRuntime) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *fakeRuntime) ReloadSettings(context.Context) error {
	r.call("reload")
	return nil
}

func (r *fakeRuntime) SwitchMode(_ context.Context, mode model.RunMode) error {
	r.call("switchMode:" + string(mode))
	r.mode = mode
	return nil
}

func (r *fakeRuntime) ForceBackfill(_ context.Context, symbol string, tfs []model.Timeframe) error {
	names := make([]string, len(tfs))
	for i, tf := range tfs {
		names[i] = string(tf)
	}
	r.call(fmt.Sprintf("forceBackfill:%s:%s", symbol, strings.Join(names, ",")))
	return nil
}

func (r *fakeRuntime) ClearCache(_ context.Context, scope model.ClearCacheScope, symbol string, tf model.Timeframe) (int64, error) {
	r.call(fmt.Sprintf("clearCache:%s:%s:%s", scope, symbol, tf))
	return r.clearN, nil
}

func (r *fakeRuntime) AddSymbol(_ context.Context, symbol string) error {
	r.call("addSymbol:" + symbol)
	r.symbols = append(r.symbols, symbol)
	return nil
}

func (r *fakeRuntime) RemoveSymbol(_ context.Context, symbol string) error {
	r.call("removeSymbol:" + symbol)
	return nil
}

func (r *fakeRuntime) BulkAddSymbols(_ context.Context, symbols []string) ([]string, error) {
	r.call("bulkAdd:" + strings.Join(symbols, ","))
	r.symbols = append(r.symbols, symbols...)
	return symbols, nil
}

func (r *fakeRuntime) MonitoredSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.symbols...)
}

func newTestChannel(t *testing.T, fq *fakeQueue, rt Runtime) *Channel {
	t.Helper()
	logger := zerolog.Nop()
	ch, err := New(&Config{
		Identity: "mon-1:coinbase:4242:1705315020000",
		Cache:    fq,
		OpenSub: func(context.Context, string) (<-chan *goredis.Message, func() error) {
			return make(chan *goredis.Message), func() error { return nil }
		},
		Runtime: rt,
		NowMs:   func() int64 { return testNow },
		Logger:  &logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func cmdJSON(t *testing.T, correlationID string, typ model.CommandType, payload any, priority *int) []byte {
	t.Helper()
	cmd := map[string]any{
		"correlationId": correlationID,
		"type":          typ,
		"timestamp":     testNow,
	}
	if payload != nil {
		cmd["payload"] = payload
	}
	if priority != nil {
		cmd["priority"] = *priority
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshaling command: %v", err)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// An urgent command queued behind a slow one must still execute first.
func TestDrain_PriorityOrderBeatsArrivalOrder(t *testing.T) {
	fq := newFakeQueue()
	fq.gate = make(chan struct{})
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)
	ctx := context.Background()

	// force-backfill (priority 20) arrives before pause (priority 1).
	ch.ingest(ctx, cmdJSON(t, "corr-fb", model.CommandForceBackfill,
		map[string]any{"symbol": "BTC-USD", "timeframes": []string{"5m"}}, nil))
	ch.ingest(ctx, cmdJSON(t, "corr-pause", model.CommandPause, nil, nil))

	if got := fq.queued(); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	close(fq.gate)

	waitFor(t, "4 responses", func() bool { return len(fq.responses()) >= 4 })

	if calls := rt.callNames(); len(calls) != 2 || calls[0] != "pause" {
		t.Fatalf("execution order = %v, want pause first", calls)
	}
	resps := fq.responses()
	wantOrder := []struct{ corr, status string }{
		{"corr-pause", model.StatusAck},
		{"corr-pause", model.StatusSuccess},
		{"corr-fb", model.StatusAck},
		{"corr-fb", model.StatusSuccess},
	}
	for i, want := range wantOrder {
		if resps[i].CorrelationID != want.corr || resps[i].Status != want.status {
			t.Errorf("response[%d] = %s/%s, want %s/%s",
				i, resps[i].CorrelationID, resps[i].Status, want.corr, want.status)
		}
	}
}

func TestDrain_ExplicitPriorityWins(t *testing.T) {
	fq := newFakeQueue()
	fq.gate = make(chan struct{})
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)
	ctx := context.Background()

	urgent := 0
	ch.ingest(ctx, cmdJSON(t, "corr-fb", model.CommandForceBackfill,
		map[string]any{"symbol": "ETH-USD"}, &urgent))
	ch.ingest(ctx, cmdJSON(t, "corr-pause", model.CommandPause, nil, nil))
	close(fq.gate)

	waitFor(t, "4 responses", func() bool { return len(fq.responses()) >= 4 })

	calls := rt.callNames()
	if len(calls) != 2 || !strings.HasPrefix(calls[0], "forceBackfill:") {
		t.Fatalf("execution order = %v, want explicit priority 0 first", calls)
	}
}

func TestIngest_ExpiredCommandGetsErrorReply(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)

	stale := map[string]any{
		"correlationId": "corr-old",
		"type":          model.CommandPause,
		"timestamp":     testNow - model.CommandExpiryMs - 1,
	}
	raw, _ := json.Marshal(stale)
	ch.ingest(context.Background(), raw)

	resps := fq.responses()
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}
	if resps[0].Status != model.StatusError || resps[0].Message != "Command expired" {
		t.Errorf("response = %s/%q", resps[0].Status, resps[0].Message)
	}
	if fq.queued() != 0 {
		t.Error("expired command must not be queued")
	}
	if len(rt.callNames()) != 0 {
		t.Error("expired command must not execute")
	}
}

func TestIngest_DropsGarbageAndInvalidSilently(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)
	ctx := context.Background()

	ch.ingest(ctx, []byte("{not json"))
	// Missing correlationId.
	raw, _ := json.Marshal(map[string]any{"type": "pause", "timestamp": testNow})
	ch.ingest(ctx, raw)
	// Unknown type.
	raw, _ = json.Marshal(map[string]any{"correlationId": "c", "type": "explode", "timestamp": testNow})
	ch.ingest(ctx, raw)

	if len(fq.responses()) != 0 {
		t.Errorf("dropped commands must not be answered, got %d responses", len(fq.responses()))
	}
	if fq.queued() != 0 {
		t.Error("dropped commands must not be queued")
	}
}

// Every executed command answers exactly once: ack, then success or
// error, all under the submitted correlation id.
func TestExecute_AckThenErrorOnHandlerFailure(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{resumeErr: fmt.Errorf("websocket reconnect failed")}
	ch := newTestChannel(t, fq, rt)

	ch.ingest(context.Background(), cmdJSON(t, "corr-r", model.CommandResume, nil, nil))

	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	resps := fq.responses()
	if resps[0].Status != model.StatusAck || resps[0].CorrelationID != "corr-r" {
		t.Errorf("first response = %s/%s, want ack/corr-r", resps[0].Status, resps[0].CorrelationID)
	}
	if resps[1].Status != model.StatusError || resps[1].Message != "websocket reconnect failed" {
		t.Errorf("second response = %s/%q", resps[1].Status, resps[1].Message)
	}
	if len(resps) != 2 {
		t.Errorf("expected exactly 2 responses, got %d", len(resps))
	}
}

func TestDispatch_SwitchModeValidatesEnum(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)

	ch.ingest(context.Background(), cmdJSON(t, "corr-m", model.CommandSwitchMode,
		map[string]any{"mode": "yolo"}, nil))

	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	resps := fq.responses()
	if resps[1].Status != model.StatusError || !strings.Contains(resps[1].Message, "invalid mode") {
		t.Errorf("second response = %s/%q", resps[1].Status, resps[1].Message)
	}
	if len(rt.callNames()) != 0 {
		t.Error("invalid mode must not reach the runtime")
	}
}

func TestDispatch_AddSymbolNormalizes(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)

	ch.ingest(context.Background(), cmdJSON(t, "corr-a", model.CommandAddSymbol,
		map[string]any{"symbol": "  btc-usd "}, nil))

	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	if calls := rt.callNames(); len(calls) != 1 || calls[0] != "addSymbol:BTC-USD" {
		t.Fatalf("calls = %v", calls)
	}
	resps := fq.responses()
	if resps[1].Status != model.StatusSuccess {
		t.Fatalf("second response = %s/%q", resps[1].Status, resps[1].Message)
	}
}

func TestDispatch_ClearCacheScopeValidation(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{clearN: 7}
	ch := newTestChannel(t, fq, rt)
	ctx := context.Background()

	// Scope symbol without a symbol.
	ch.ingest(ctx, cmdJSON(t, "corr-c1", model.CommandClearCache,
		map[string]any{"scope": "symbol"}, nil))
	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	resps := fq.responses()
	if resps[1].Status != model.StatusError || !strings.Contains(resps[1].Message, "requires a symbol") {
		t.Errorf("second response = %s/%q", resps[1].Status, resps[1].Message)
	}

	// Valid scope-all purge reports the deleted count.
	ch.ingest(ctx, cmdJSON(t, "corr-c2", model.CommandClearCache,
		map[string]any{"scope": "all"}, nil))
	waitFor(t, "4 responses", func() bool { return len(fq.responses()) >= 4 })
	resps = fq.responses()
	last := resps[len(resps)-1]
	if last.Status != model.StatusSuccess {
		t.Fatalf("last response = %s/%q", last.Status, last.Message)
	}
	data, ok := last.Data.(map[string]any)
	if !ok || data["deleted"] != float64(7) {
		t.Errorf("data = %#v, want deleted=7", last.Data)
	}
}

func TestDispatch_ForceBackfillDefaultsToAllTimeframes(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}
	ch := newTestChannel(t, fq, rt)

	ch.ingest(context.Background(), cmdJSON(t, "corr-f", model.CommandForceBackfill,
		map[string]any{"symbol": "sol-usd"}, nil))

	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	calls := rt.callNames()
	if len(calls) != 1 || calls[0] != "forceBackfill:SOL-USD:1m,5m,15m,1h,4h,1d" {
		t.Fatalf("calls = %v", calls)
	}
}

// A queue persisted by a previous process drains when Run starts, with
// no new pub/sub traffic required.
func TestRun_DrainsLeftoverQueue(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}

	leftover, _ := json.Marshal(queueEntry{
		Seq:     1,
		Command: cmdJSON(t, "corr-left", model.CommandPause, nil, nil),
	})
	fq.entries[string(leftover)] = 1 * priorityBand

	logger := zerolog.Nop()
	msgs := make(chan *goredis.Message)
	ch, err := New(&Config{
		Identity: "mon-1:coinbase:4242:1705315020000",
		Cache:    fq,
		OpenSub: func(context.Context, string) (<-chan *goredis.Message, func() error) {
			return msgs, func() error { return nil }
		},
		Runtime: rt,
		NowMs:   func() int64 { return testNow },
		Logger:  &logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	waitFor(t, "leftover executed", func() bool { return len(rt.callNames()) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ConsumesSubscribedMessages(t *testing.T) {
	fq := newFakeQueue()
	rt := &fakeRuntime{}

	logger := zerolog.Nop()
	msgs := make(chan *goredis.Message, 1)
	var recorded []string
	var recMu sync.Mutex
	ch, err := New(&Config{
		Identity: "mon-1:coinbase:4242:1705315020000",
		Cache:    fq,
		OpenSub: func(context.Context, string) (<-chan *goredis.Message, func() error) {
			return msgs, func() error { return nil }
		},
		Runtime: rt,
		Record: func(_ context.Context, cmd model.CommandType, correlationID, detail string) {
			recMu.Lock()
			recorded = append(recorded, string(cmd)+"/"+correlationID+"/"+detail)
			recMu.Unlock()
		},
		NowMs:  func() int64 { return testNow },
		Logger: &logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	msgs <- &goredis.Message{Payload: string(cmdJSON(t, "corr-p", model.CommandPause, nil, nil))}

	waitFor(t, "2 responses", func() bool { return len(fq.responses()) >= 2 })
	waitFor(t, "admin action recorded", func() bool {
		recMu.Lock()
		defer recMu.Unlock()
		return len(recorded) == 1
	})
	recMu.Lock()
	if recorded[0] != "pause/corr-p/pause executed" {
		t.Errorf("recorded = %q", recorded[0])
	}
	recMu.Unlock()

	cancel()
	<-done
}

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{" btc-usd", "BTC-USD", "", "eth-usd ", "  "})
	want := []string{"BTC-USD", "ETH-USD"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
