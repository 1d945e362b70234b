package agg

import (
	"context"
	"testing"
	"time"

	"livermore/internal/model"
)

func TestFanOut_Broadcast(t *testing.T) {
	f := NewFanOut(10)
	sub1 := f.Subscribe()
	sub2 := f.Subscribe()

	input := make(chan model.Candle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, input)
		close(done)
	}()

	input <- model.Candle{Symbol: "BTC/USDT", Timestamp: 1705315020000}
	input <- model.Candle{Symbol: "ETH/USDT", Timestamp: 1705315020000}

	for _, sub := range []<-chan model.Candle{sub1, sub2} {
		for i := 0; i < 2; i++ {
			select {
			case <-sub:
			case <-time.After(time.Second):
				t.Fatal("subscriber did not receive bar")
			}
		}
	}

	cancel()
	<-done

	// Channels close after Run exits.
	if _, open := <-sub1; open {
		t.Error("subscriber channel should be closed")
	}
}

func TestFanOut_SlowSubscriberDropsOnlyItsOwn(t *testing.T) {
	f := NewFanOut(1)
	drops := make(map[int]int)
	f.OnDrop = func(i int) { drops[i]++ }

	slow := f.Subscribe()
	fast := f.Subscribe()

	input := make(chan model.Candle)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, input)
		close(done)
	}()

	// Drain fast in lock step; never read slow. Reading fast after each
	// send also proves the previous fan-out round completed, so the next
	// send observes slow's buffer still full.
	for i := 0; i < 5; i++ {
		input <- model.Candle{Symbol: "BTC/USDT", Timestamp: int64(i)}
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}
	cancel()
	<-done

	// Slow holds its 1 buffered bar; the other 4 dropped for it alone.
	if drops[0] != 4 {
		t.Errorf("slow subscriber drops = %d, want 4", drops[0])
	}
	if drops[1] != 0 {
		t.Errorf("fast subscriber drops = %d, want 0", drops[1])
	}
	if len(slow) != 1 {
		t.Errorf("slow buffer len = %d, want 1", len(slow))
	}
}
