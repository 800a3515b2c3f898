package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Candle is one kline row.
type Candle struct {
	OpenTime               time.Time
	Open, High, Low, Close float64
}

// ErrNoCandles is returned for a data file without rows.
var ErrNoCandles = errors.New("kline file has no rows")

// ReadCandles loads a kline CSV as written by the downloader. Rows that do not
// parse are skipped; skipped reports how many.
func ReadCandles(path string) (candles []Candle, skipped int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open kline file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	header := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read kline file: %w", err)
		}
		if header {
			header = false
			if _, perr := strconv.ParseInt(record[0], 10, 64); perr != nil {
				continue // 表头
			}
		}
		c, err := ParseCandle(record)
		if err != nil {
			skipped++
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, skipped, ErrNoCandles
	}
	return candles, skipped, nil
}

// ParseCandle parses open_time, open, high, low and close from a CSV record.
func ParseCandle(record []string) (Candle, error) {
	if len(record) < 5 {
		return Candle{}, fmt.Errorf("kline row has %d fields", len(record))
	}
	ts, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("open time %q: %w", record[0], err)
	}
	var v [4]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("field %d %q: %w", i+1, record[i+1], err)
		}
	}
	return Candle{OpenTime: time.UnixMilli(ts), Open: v[0], High: v[1], Low: v[2], Close: v[3]}, nil
}
