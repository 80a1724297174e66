package storage

import (
	"path/filepath"
	"testing"

	"grid-trailing-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CandleStore {
	t.Helper()
	store, err := OpenCandleStore(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPair() models.TradePair {
	return models.TradePair{Base: "BNB", Quote: "USDT"}
}

func testCandles() []models.Candlestick {
	return []models.Candlestick{
		{OpenTime: 0, CloseTime: 59_999, Open: 100, High: 105, Low: 95, Close: 102, Volume: 10},
		{OpenTime: 60_000, CloseTime: 119_999, Open: 102, High: 110, Low: 100, Close: 108, Volume: 12},
		{OpenTime: 120_000, CloseTime: 179_999, Open: 108, High: 112, Low: 104, Close: 110, Volume: 8},
	}
}

func TestSaveAndLoadCandles(t *testing.T) {
	store := newTestStore(t)
	pair := testPair()
	require.NoError(t, store.EnsureTable(pair))
	require.NoError(t, store.SaveCandles(pair, testCandles()))

	loaded, err := store.LoadCandles(pair, 0, 200_000)
	require.NoError(t, err)
	assert.Equal(t, testCandles(), loaded)
}

func TestLoadCandlesRespectsWindow(t *testing.T) {
	store := newTestStore(t)
	pair := testPair()
	require.NoError(t, store.EnsureTable(pair))
	require.NoError(t, store.SaveCandles(pair, testCandles()))

	loaded, err := store.LoadCandles(pair, 60_000, 119_999)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(60_000), loaded[0].OpenTime)
}

func TestSaveCandlesUpsertsOnOpenTime(t *testing.T) {
	store := newTestStore(t)
	pair := testPair()
	require.NoError(t, store.EnsureTable(pair))
	require.NoError(t, store.SaveCandles(pair, testCandles()))

	// Saving the same open_time again replaces the row.
	revised := []models.Candlestick{
		{OpenTime: 0, CloseTime: 59_999, Open: 100, High: 106, Low: 94, Close: 103, Volume: 11},
	}
	require.NoError(t, store.SaveCandles(pair, revised))

	loaded, err := store.LoadCandles(pair, 0, 59_999)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 103.0, loaded[0].Close)
}

func TestLastCloseTime(t *testing.T) {
	store := newTestStore(t)
	pair := testPair()

	// Missing table reads as zero, the downloader treats it as "no data".
	last, err := store.LastCloseTime(pair)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	require.NoError(t, store.EnsureTable(pair))
	require.NoError(t, store.SaveCandles(pair, testCandles()))

	last, err = store.LastCloseTime(pair)
	require.NoError(t, err)
	assert.Equal(t, int64(179_999), last)
}

func TestPairsAreStoredInSeparateTables(t *testing.T) {
	store := newTestStore(t)
	bnb := testPair()
	btc := models.TradePair{Base: "BTC", Quote: "USDT"}
	require.NoError(t, store.EnsureTable(bnb))
	require.NoError(t, store.EnsureTable(btc))
	require.NoError(t, store.SaveCandles(bnb, testCandles()))

	loaded, err := store.LoadCandles(btc, 0, 200_000)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
