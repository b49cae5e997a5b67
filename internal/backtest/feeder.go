package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

// CandleFeeder replays historical candles from a CSV file as market events
// on one venue channel. The file carries a header row, then
// open_time,open,high,low,close,volume with an optional close_time column;
// times are unix milliseconds. Extra columns are ignored. Events are
// stamped at candle close, when the observation actually exists.
type CandleFeeder struct {
	file    *os.File
	reader  *csv.Reader
	channel schema.Channel
	row     int
}

// NewCandleFeeder opens the CSV and consumes its header row.
func NewCandleFeeder(path string, exchange schema.Exchange, pair schema.Pair) (*CandleFeeder, error) {
	// #nosec G304 -- path is operator provided via CLI flags.
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.New("backtest.feed", errs.CodeConfig,
			errs.WithMessage("open candle file "+path), errs.WithCause(err))
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		_ = file.Close()
		return nil, errs.New("backtest.feed", errs.CodeConfig,
			errs.WithMessage("read candle header"), errs.WithCause(err))
	}
	return &CandleFeeder{
		file:    file,
		reader:  reader,
		channel: schema.Channel{Kind: schema.ChannelCandles, Exchange: exchange, Pair: pair},
		row:     1,
	}, nil
}

// Next returns the next candle event, or io.EOF once the file is drained.
func (f *CandleFeeder) Next() (schema.MarketEvent, error) {
	record, err := f.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return schema.MarketEvent{}, io.EOF
		}
		return schema.MarketEvent{}, errs.New("backtest.feed", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("row %d: read", f.row+1)), errs.WithCause(err))
	}
	f.row++
	if len(record) < 6 {
		return schema.MarketEvent{}, errs.New("backtest.feed", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("row %d: %d columns, want at least 6", f.row, len(record))))
	}

	openTime, err := f.millis(record[0])
	if err != nil {
		return schema.MarketEvent{}, err
	}
	closeTime := openTime
	if len(record) > 6 {
		closeTime, err = f.millis(record[6])
		if err != nil {
			return schema.MarketEvent{}, err
		}
	}
	candle := schema.Candle{OpenTime: openTime, CloseTime: closeTime}
	for i, dst := range []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
		val, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return schema.MarketEvent{}, errs.New("backtest.feed", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("row %d: column %d: bad decimal %q", f.row, i+2, record[i+1])),
				errs.WithCause(err))
		}
		*dst = val
	}

	return schema.MarketEvent{Channel: f.channel, Candle: &candle, At: closeTime}, nil
}

// Close releases the underlying file.
func (f *CandleFeeder) Close() error { return f.file.Close() }

func (f *CandleFeeder) millis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errs.New("backtest.feed", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("row %d: bad timestamp %q", f.row, raw)), errs.WithCause(err))
	}
	return time.UnixMilli(ms).UTC(), nil
}
