package backtest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candles.csv")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func openFeeder(t *testing.T, path string) *CandleFeeder {
	t.Helper()
	feeder, err := NewCandleFeeder(path, schema.ExchangeSim, testPair)
	if err != nil {
		t.Fatalf("new feeder: %v", err)
	}
	t.Cleanup(func() { _ = feeder.Close() })
	return feeder
}

func TestCandleFeederParsesRows(t *testing.T) {
	path := writeCSV(t,
		"open_time,open,high,low,close,volume,close_time",
		"1700000000000,100,101.5,99,100.5,12.25,1700000059999",
		"1700000060000,100.5,102,100,101,8,1700000119999",
	)
	feeder := openFeeder(t, path)

	ev, err := feeder.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := schema.Channel{Kind: schema.ChannelCandles, Exchange: schema.ExchangeSim, Pair: testPair}
	if ev.Channel != want {
		t.Fatalf("expected channel %+v, got %+v", want, ev.Channel)
	}
	if ev.Candle == nil {
		t.Fatal("expected a candle payload")
	}
	if !ev.Candle.Open.Equal(decimal.NewFromInt(100)) ||
		!ev.Candle.High.Equal(decimal.RequireFromString("101.5")) ||
		!ev.Candle.Low.Equal(decimal.NewFromInt(99)) ||
		!ev.Candle.Close.Equal(decimal.RequireFromString("100.5")) ||
		!ev.Candle.Volume.Equal(decimal.RequireFromString("12.25")) {
		t.Fatalf("candle fields wrong: %+v", ev.Candle)
	}
	if !ev.At.Equal(time.UnixMilli(1700000059999).UTC()) {
		t.Fatalf("events must stamp at candle close, got %s", ev.At)
	}
	if !ev.Candle.OpenTime.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("open time wrong: %s", ev.Candle.OpenTime)
	}

	if _, err := feeder.Next(); err != nil {
		t.Fatalf("second row: %v", err)
	}
	if _, err := feeder.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after the last row, got %v", err)
	}
}

func TestCandleFeederWithoutCloseTimeStampsOpen(t *testing.T) {
	path := writeCSV(t,
		"open_time,open,high,low,close,volume",
		"1700000000000,100,101,99,100,1",
	)
	feeder := openFeeder(t, path)

	ev, err := feeder.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ev.At.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("expected the open time stamp, got %s", ev.At)
	}
}

func TestCandleFeederRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"bad decimal":   "1700000000000,abc,101,99,100,1,1700000059999",
		"bad timestamp": "not-a-number,100,101,99,100,1,1700000059999",
		"short row":     "1700000000000,100,101",
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			feeder := openFeeder(t, writeCSV(t, "open_time,open,high,low,close,volume,close_time", row))
			_, err := feeder.Next()
			if !errs.Is(err, errs.CodeConfig) {
				t.Fatalf("expected a config error, got %v", err)
			}
		})
	}
}

func TestCandleFeederMissingFile(t *testing.T) {
	_, err := NewCandleFeeder(filepath.Join(t.TempDir(), "absent.csv"), schema.ExchangeSim, testPair)
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected a config error, got %v", err)
	}
}
