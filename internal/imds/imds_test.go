package imds_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/imds"
)

func newClient(srv *httptest.Server) *imds.Client {
	httpClient := httpclient.New(
		httpclient.WithTimeout(2*time.Second),
		httpclient.WithRetryDelay(5*time.Millisecond),
	)
	return imds.New(httpClient, imds.WithBase(srv.URL))
}

func TestGet_V2CarriesBearerOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/opc/v2/instance/region", r.URL.Path)
		require.Equal(t, "Bearer Oracle", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("us-phoenix-1"))
	}))
	defer srv.Close()

	region, err := newClient(srv).Get(context.Background(), imds.PathRegion)
	require.NoError(t, err)
	require.Equal(t, "us-phoenix-1", region)
}

func TestGet_FallsBackToV1On404(t *testing.T) {
	var v1Auth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/opc/v2/instance/region", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/opc/v1/instance/region", func(w http.ResponseWriter, r *http.Request) {
		v1Auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("us-ashburn-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	region, err := newClient(srv).Get(context.Background(), imds.PathRegion)
	require.NoError(t, err)
	require.Equal(t, "us-ashburn-1", region)
	require.Equal(t, "", v1Auth.Load(), "V1 requests carry no bearer header")
}

func TestGet_NonNotFoundDoesNotFallBack(t *testing.T) {
	var v1Calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/opc/v2/instance/region", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/opc/v1/instance/region", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&v1Calls, 1)
		_, _ = w.Write([]byte("us-ashburn-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	httpClient := httpclient.New(
		httpclient.WithTimeout(100*time.Millisecond),
		httpclient.WithRetryDelay(5*time.Millisecond),
	)
	c := imds.New(httpClient, imds.WithBase(srv.URL))

	_, err := c.Get(context.Background(), imds.PathRegion)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
	require.EqualValues(t, 0, atomic.LoadInt32(&v1Calls), "a 5xx must never trigger the V1 fallback")
}
