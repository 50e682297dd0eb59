package mrms

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type countingFetcher struct {
	failuresBeforeSuccess int
	calls                 int
	payload               []byte
}

func (f *countingFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		return nil, errors.New("transient fetch error")
	}
	return f.payload, nil
}

func TestFetchGzippedGribWithRetry_SucceedsWithinBudget(t *testing.T) {
	payload := gzipBytes(t, []byte("grib-bytes"))
	fetch := &countingFetcher{failuresBeforeSuccess: 2, payload: payload}
	o := &Orchestrator{Fetch: fetch, FetchRetries: 2}

	out, err := o.fetchGzippedGribWithRetry(context.Background(), "some/key")
	require.NoError(t, err)
	assert.Equal(t, []byte("grib-bytes"), out)
	assert.Equal(t, 3, fetch.calls)
}

func TestFetchGzippedGribWithRetry_FailsAfterExhaustingBudget(t *testing.T) {
	fetch := &countingFetcher{failuresBeforeSuccess: 10}
	o := &Orchestrator{Fetch: fetch, FetchRetries: 2}

	_, err := o.fetchGzippedGribWithRetry(context.Background(), "some/key")
	assert.Error(t, err)
	assert.Equal(t, 3, fetch.calls) // first attempt + 2 retries
}

func TestFanOutLimit_DefaultsToUnboundedWhenUnset(t *testing.T) {
	o := &Orchestrator{}
	assert.Equal(t, -1, o.fanOutLimit())
}

func TestFanOutLimit_UsesConfiguredConcurrency(t *testing.T) {
	o := &Orchestrator{FetchConcurrency: 4}
	assert.Equal(t, 4, o.fanOutLimit())
}
