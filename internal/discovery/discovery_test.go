package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMrmsGrib2Key(t *testing.T) {
	assert.True(t, IsMrmsGrib2Key("CONUS/foo/MRMS_foo_20260801-120000.grib2.gz"))
	assert.False(t, IsMrmsGrib2Key("CONUS/foo/MRMS_foo_20260801-120000.grib2"))
	assert.False(t, IsMrmsGrib2Key("short.gz"))
}

func TestExtractTimestampFromKey(t *testing.T) {
	ts, ok := ExtractTimestampFromKey("CONUS/MergedReflectivityQC_00.50/20260801/MRMS_MergedReflectivityQC_00.50_20260801-120000.grib2.gz")
	require.True(t, ok)
	assert.Equal(t, "20260801-120000", ts)

	_, ok = ExtractTimestampFromKey("no-timestamp-here.grib2.gz")
	assert.False(t, ok)
}

func TestListKeysForPrefix_FollowsContinuationToken(t *testing.T) {
	pageCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageCount++
		if r.URL.Query().Get("continuation-token") == "" {
			fmt.Fprint(w, `<ListBucketResult><Contents><Key>a.grib2.gz</Key></Contents><IsTruncated>true</IsTruncated><NextContinuationToken>tok1</NextContinuationToken></ListBucketResult>`)
			return
		}
		fmt.Fprint(w, `<ListBucketResult><Contents><Key>b.grib2.gz</Key></Contents><IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	keys, err := l.ListKeysForPrefix(context.Background(), "CONUS/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.grib2.gz", "b.grib2.gz"}, keys)
	assert.Equal(t, 2, pageCount)
}

func TestListKeysForPrefix_StopsAtFourPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult><Contents><Key>x.grib2.gz</Key></Contents><IsTruncated>true</IsTruncated><NextContinuationToken>tok</NextContinuationToken></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	keys, err := l.ListKeysForPrefix(context.Background(), "CONUS/")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestListKeysForPrefix_ErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	_, err := l.ListKeysForPrefix(context.Background(), "CONUS/")
	assert.Error(t, err)
}

func TestFindRecentBaseLevelKeys_FiltersAndSortsDescending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult>`+
			`<Contents><Key>MRMS_foo_20260801-100000.grib2.gz</Key></Contents>`+
			`<Contents><Key>MRMS_foo_20260801-120000.grib2.gz</Key></Contents>`+
			`<Contents><Key>MRMS_foo_20260801-110000.grib2</Key></Contents>`+
			`<IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	keys, err := l.FindRecentBaseLevelKeys(context.Background(), "CONUS/MergedReflectivityQC_00.50", now, 0, 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "MRMS_foo_20260801-120000.grib2.gz", keys[0])
	assert.Equal(t, "MRMS_foo_20260801-100000.grib2.gz", keys[1])
}

func TestFindRecentBaseLevelKeys_RespectsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult>`+
			`<Contents><Key>MRMS_foo_20260801-100000.grib2.gz</Key></Contents>`+
			`<Contents><Key>MRMS_foo_20260801-120000.grib2.gz</Key></Contents>`+
			`<IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	keys, err := l.FindRecentBaseLevelKeys(context.Background(), "CONUS/MergedReflectivityQC_00.50", now, 0, 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestFindLatestTimestampAtOrBefore_SkipsTimestampsAfterTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult>`+
			`<Contents><Key>MRMS_foo_20260801-113000.grib2.gz</Key></Contents>`+
			`<Contents><Key>MRMS_foo_20260801-123000.grib2.gz</Key></Contents>`+
			`<IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	target := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	best, ok := l.FindLatestTimestampAtOrBefore(context.Background(), func(day string) string {
		return "CONUS/AuxField/" + day + "/"
	}, target, "20260801-120000", 0)
	require.True(t, ok)
	assert.Equal(t, "20260801-113000", best)
}

func TestFindLatestTimestampAtOrBefore_NoneFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ListBucketResult><IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	l := NewLister(srv.Client(), srv.URL)
	target := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, ok := l.FindLatestTimestampAtOrBefore(context.Background(), func(day string) string {
		return "CONUS/AuxField/" + day + "/"
	}, target, "20260801-120000", 0)
	assert.False(t, ok)
}
