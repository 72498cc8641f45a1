package storage

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleBars(n int) []models.Bar {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		open := t0.Add(time.Duration(i) * time.Minute)
		p := 3000 + float64(i)
		bars = append(bars, models.Bar{
			OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond),
			Open: p, High: p + 5, Low: p - 5, Close: p + 1, Volume: 10,
		})
	}
	return bars
}

func TestSQLiteStoreRoundTripRange(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	n, err := store.InsertBars(ctx, "ETH/USDT", "1m", sampleBars(10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// re-inserting overwrites instead of duplicating
	_, err = store.InsertBars(ctx, "ETH/USDT", "1m", sampleBars(10))
	require.NoError(t, err)

	bars, err := store.LoadBars(ctx, "ETH/USDT", "1m", t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 3003.0, bars[0].Close)
	assert.True(t, bars[0].CloseTime.Before(bars[1].CloseTime))

	first, last, count, err := store.Range(ctx, "ETH/USDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	assert.Equal(t, sampleBars(1)[0].CloseTime, first)
	assert.True(t, last.After(first))
}

func TestSQLiteStoreEmpty(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	bars, err := store.LoadBars(context.Background(), "BTC/USDT", "5m", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, bars)

	_, _, count, err := store.Range(context.Background(), "BTC/USDT", "5m")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewSQLiteStoreRequiresRoot(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}

func TestCSVWriteAndRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBars(&buf, sampleBars(3)))
	assert.True(t, strings.HasPrefix(buf.String(), "open_time,open"))

	bars, err := ReadBars(&buf)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, sampleBars(3)[2], bars[2])
}

func TestReadBarsRejectsShortRows(t *testing.T) {
	_, err := ReadBars(strings.NewReader("1,2,3\n"))
	assert.Error(t, err)
}

func TestCSVSourceLoadBars(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(CSVPath(dir, "ETH/USDT", "1m"))
	require.NoError(t, err)
	require.NoError(t, WriteBars(f, sampleBars(20)))
	require.NoError(t, f.Close())

	src := NewCSVSource(dir)
	bars, err := src.LoadBars(context.Background(), "ETH/USDT", "1m", t0.Add(10*time.Minute), t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, 3010.0, bars[0].Open)

	_, err = src.LoadBars(context.Background(), "BTC/USDT", "1m", t0, t0.Add(time.Hour))
	assert.Error(t, err, "missing file")
}

func TestCSVPath(t *testing.T) {
	assert.True(t, strings.HasSuffix(CSVPath("data", "eth/usdt", "1H"), "ETHUSDT-1h.csv"))
}
