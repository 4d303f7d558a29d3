package saver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bar-backfill/internal/model"
)

var pair = model.Pair{Instrument: "EUR_USD", Resolution: model.Day}

func testBars() []model.Bar {
	return []model.Bar{
		{InstrumentID: "EUR_USD", Resolution: model.Day, Timestamp: time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC),
			OpenBid: 1.158, OpenAsk: 1.1582, HighBid: 1.162, HighAsk: 1.1622, LowBid: 1.156, LowAsk: 1.1562, CloseBid: 1.1595, CloseAsk: 1.1597, Volume: 91234},
		{InstrumentID: "EUR_USD", Resolution: model.Day, Timestamp: time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC),
			OpenBid: 1.1595, OpenAsk: 1.1597, HighBid: 1.16, HighAsk: 1.1602, LowBid: 1.159, LowAsk: 1.1592, CloseBid: 1.1598, CloseAsk: 1.16, Volume: 1200},
	}
}

func TestNewPacketSaver(t *testing.T) {
	assert.IsType(t, CSVSaver{}, NewPacketSaver("csv"))
	assert.IsType(t, ParquetSaver{}, NewPacketSaver(" Parquet "))
	assert.IsType(t, JSONSaver{}, NewPacketSaver("JSON"))
	assert.Nil(t, NewPacketSaver("xlsx"))
}

func TestCSVSaver(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.csv")
	require.NoError(t, CSVSaver{}.Save(testBars(), p))

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"1633046400", "1.158", "1.1582", "1.162", "1.1622", "1.156", "1.1562", "1.1595", "1.1597", "91234"}, records[1])
}

func TestJSONSaver(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.json")
	require.NoError(t, JSONSaver{}.Save(testBars(), p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	var rows []Row
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Equal(t, toRows(testBars()), rows)
}

func TestParquetSaver(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.parquet")
	require.NoError(t, ParquetSaver{}.Save(testBars(), p))

	rows, err := parquet.ReadFile[Row](p)
	require.NoError(t, err)
	assert.Equal(t, toRows(testBars()), rows)
}

type fakeUploader struct {
	keys []string
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return u.err
}

func TestArchiver(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	a, err := NewArchiver(dir, CSVSaver{}, up, nil)
	require.NoError(t, err)

	from := time.Date(2019, 4, 17, 0, 0, 0, 0, time.UTC)
	to := time.Date(2021, 10, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.Archive(context.Background(), pair, from, to, testBars()))

	key := "EUR_USD/DAY/EUR_USD_DAY_20190417T000000_to_20211003T000000.csv"
	assert.Equal(t, key, a.Key(pair, from, to))
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(key)))
	assert.NoError(t, err)
	assert.Equal(t, []string{key}, up.keys)

	t.Run("instrument with slash stays in one directory", func(t *testing.T) {
		k := a.Key(model.Pair{Instrument: "US/500", Resolution: model.Hour}, from, to)
		assert.Equal(t, "US%2F500/HOUR/US%2F500_HOUR_20190417T000000_to_20211003T000000.csv", k)
	})

	t.Run("upload error is returned", func(t *testing.T) {
		up.err = errors.New("access denied")
		err := a.Archive(context.Background(), pair, from, to, testBars())
		assert.ErrorContains(t, err, "access denied")
	})
}

func TestNewArchiverValidates(t *testing.T) {
	_, err := NewArchiver("", CSVSaver{}, nil, nil)
	assert.Error(t, err)
	_, err = NewArchiver(t.TempDir(), nil, nil, nil)
	assert.Error(t, err)
}

func TestS3Uploader(t *testing.T) {
	endpoint := os.Getenv("BACKFILL_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("BACKFILL_TEST_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	u, err := NewS3Uploader(ctx, S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BACKFILL_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("BACKFILL_TEST_S3_SECRET_KEY"),
		Bucket:    "backfill-test",
		Prefix:    "test",
	})
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "page.json")
	require.NoError(t, JSONSaver{}.Save(testBars(), p))
	require.NoError(t, u.Upload(ctx, "EUR_USD/DAY/page.json", p))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", contentType("/a/b.csv"))
	assert.Equal(t, "application/json", contentType("b.json"))
	assert.Equal(t, "application/octet-stream", contentType("b.parquet"))
}
