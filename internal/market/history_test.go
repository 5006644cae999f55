package market

import (
	"testing"

	"tradeterm/pkg/types"
)

func newTestHistory(timeframe int64) *History {
	return NewHistory(timeframe, testLogger())
}

func trade(date int64, price, volume string) types.Trade {
	return types.Trade{Date: date, Price: d(price), Volume: d(volume), Side: types.Bid}
}

// checkCandles verifies the structural candle invariants: bucket-aligned
// strictly descending open times and low <= open/close <= high.
func checkCandles(t *testing.T, h *History) {
	t.Helper()
	for i, c := range h.Candles {
		if c.Time%h.Timeframe != 0 {
			t.Fatalf("candle %d open time %d not aligned to %d", i, c.Time, h.Timeframe)
		}
		if i > 0 && h.Candles[i-1].Time <= c.Time {
			t.Fatalf("candles not newest-first at %d: %d <= %d", i, h.Candles[i-1].Time, c.Time)
		}
		if c.Low.GreaterThan(c.Open) || c.Open.GreaterThan(c.High) {
			t.Fatalf("candle %d: open %s outside [%s, %s]", i, c.Open, c.Low, c.High)
		}
		if c.Low.GreaterThan(c.Close) || c.Close.GreaterThan(c.High) {
			t.Fatalf("candle %d: close %s outside [%s, %s]", i, c.Close, c.Low, c.High)
		}
	}
}

func TestFirstTradeOpensCandle(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	h.Trade(trade(65, "10", "2"))

	if h.Length() != 1 {
		t.Fatalf("length = %d, want 1", h.Length())
	}
	c := h.LastCandle()
	if c.Time != 60 {
		t.Errorf("open time = %d, want 60", c.Time)
	}
	if !c.Open.Equal(d("10")) || !c.Close.Equal(d("10")) || !c.Volume.Equal(d("2")) {
		t.Errorf("candle = %+v, want o=h=l=c=10 v=2", c)
	}
	checkCandles(t, h)
}

func TestTradeRollover(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	h.Trade(trade(120, "10", "1"))
	h.Trade(trade(145, "12", "2"))
	h.Trade(trade(180, "9", "1"))

	if h.Length() != 2 {
		t.Fatalf("length = %d, want 2", h.Length())
	}

	newest := h.Candles[0]
	if newest.Time != 180 {
		t.Errorf("candles[0].Time = %d, want 180", newest.Time)
	}
	if !newest.Open.Equal(d("9")) || !newest.High.Equal(d("9")) ||
		!newest.Low.Equal(d("9")) || !newest.Close.Equal(d("9")) ||
		!newest.Volume.Equal(d("1")) {
		t.Errorf("candles[0] = %+v, want (9,9,9,9,1)", newest)
	}

	older := h.Candles[1]
	if older.Time != 120 {
		t.Errorf("candles[1].Time = %d, want 120", older.Time)
	}
	if !older.Open.Equal(d("10")) || !older.High.Equal(d("12")) ||
		!older.Low.Equal(d("10")) || !older.Close.Equal(d("12")) ||
		!older.Volume.Equal(d("3")) {
		t.Errorf("candles[1] = %+v, want (10,12,10,12,3)", older)
	}
	checkCandles(t, h)
}

func TestTradeUpdatesHighLowClose(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	h.Trade(trade(60, "10", "1"))
	h.Trade(trade(70, "15", "1"))
	h.Trade(trade(80, "8", "1"))
	h.Trade(trade(90, "11", "1"))

	c := h.LastCandle()
	if !c.Open.Equal(d("10")) || !c.High.Equal(d("15")) ||
		!c.Low.Equal(d("8")) || !c.Close.Equal(d("11")) ||
		!c.Volume.Equal(d("4")) {
		t.Errorf("candle = %+v, want (10,15,8,11,4)", c)
	}
	checkCandles(t, h)
}

func TestOwnTradeIgnored(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	changed := 0
	h.SignalChanged.Connect(func(_, _ any) { changed++ })

	h.Trade(types.Trade{Date: 60, Price: d("10"), Volume: d("1"), Side: types.Bid, Own: true})

	if h.Length() != 0 || changed != 0 {
		t.Error("own trade mutated the history")
	}
}

func TestTradeSignalPayloads(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	var payloads []int
	h.SignalChanged.Connect(func(_, data any) { payloads = append(payloads, data.(int)) })

	h.Trade(trade(60, "10", "1"))  // new candle: emits length
	h.Trade(trade(70, "11", "1"))  // in-place update: emits 1
	h.Trade(trade(120, "12", "1")) // rollover: emits new length

	want := []int{1, 1, 2}
	if len(payloads) != len(want) {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Fatalf("payloads = %v, want %v", payloads, want)
		}
	}
}

func TestFullHistoryEmptyIsNoop(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)
	h.Trade(trade(60, "10", "1"))

	processed := 0
	h.SignalFullHistoryProcessed.Connect(func(_, _ any) { processed++ })

	h.FullHistory(nil)

	if h.Length() != 1 || processed != 0 {
		t.Error("empty history snapshot mutated state or fired signals")
	}
	if h.Ready {
		t.Error("empty snapshot set Ready")
	}
}

func TestFullHistoryBuildsCandles(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	processed := 0
	h.SignalFullHistoryProcessed.Connect(func(_, _ any) { processed++ })

	h.FullHistory([]types.HistoryTrade{
		{Date: 62, Price: d("10"), Amount: d("1")},
		{Date: 90, Price: d("12"), Amount: d("2")},
		{Date: 125, Price: d("11"), Amount: d("1")},
		{Date: 200, Price: d("13"), Amount: d("4")},
	})

	if !h.Ready {
		t.Fatal("Ready not set")
	}
	if processed != 1 {
		t.Fatalf("fullhistory_processed fired %d times, want 1", processed)
	}
	if h.Length() != 3 {
		t.Fatalf("length = %d, want 3", h.Length())
	}

	// buckets newest-first: 180, 120, 60
	if h.Candles[0].Time != 180 || h.Candles[1].Time != 120 || h.Candles[2].Time != 60 {
		t.Fatalf("bucket times = %d, %d, %d", h.Candles[0].Time, h.Candles[1].Time, h.Candles[2].Time)
	}
	// volume is the exact per-bucket trade sum
	if !h.Candles[2].Volume.Equal(d("3")) {
		t.Errorf("bucket 60 volume = %s, want 3", h.Candles[2].Volume)
	}
	if !h.Candles[1].Volume.Equal(d("1")) {
		t.Errorf("bucket 120 volume = %s, want 1", h.Candles[1].Volume)
	}
	if !h.Candles[0].Volume.Equal(d("4")) {
		t.Errorf("bucket 180 volume = %s, want 4", h.Candles[0].Volume)
	}
	if !h.Candles[2].High.Equal(d("12")) || !h.Candles[2].Close.Equal(d("12")) {
		t.Errorf("bucket 60 = %+v, want high=close=12", h.Candles[2])
	}
	checkCandles(t, h)
}

func TestFullHistoryDropsOverlappingCandles(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)

	// live trades created candles for buckets 60 and 120
	h.Trade(trade(70, "99", "9"))
	h.Trade(trade(130, "98", "9"))

	// snapshot begins inside bucket 120: bucket 60 stays, 120 is rebuilt
	h.FullHistory([]types.HistoryTrade{
		{Date: 121, Price: d("10"), Amount: d("1")},
		{Date: 185, Price: d("11"), Amount: d("2")},
	})

	if h.Length() != 3 {
		t.Fatalf("length = %d, want 3", h.Length())
	}
	if h.Candles[2].Time != 60 || !h.Candles[2].Open.Equal(d("99")) {
		t.Error("pre-snapshot candle was dropped")
	}
	if h.Candles[1].Time != 120 || !h.Candles[1].Volume.Equal(d("1")) {
		t.Errorf("bucket 120 = %+v, want rebuilt with volume 1", h.Candles[1])
	}
	checkCandles(t, h)
}

func TestLastCandleEmpty(t *testing.T) {
	t.Parallel()
	h := newTestHistory(60)
	if h.LastCandle() != nil {
		t.Error("LastCandle on empty history should be nil")
	}
	if h.Length() != 0 {
		t.Error("Length on empty history should be 0")
	}
}
