package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runefall/bifrost/internal/bifrost"
	"github.com/runefall/bifrost/internal/loglet/memory"
	"github.com/runefall/bifrost/internal/metadata"
	"github.com/runefall/bifrost/internal/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	md := metadata.NewMetadata(metadata.NewSimpleLogs(types.VersionMin, 2, metadata.ProviderMemory), nil)
	svc := bifrost.NewService(md, nil, memory.NewFactory(memory.Config{}))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	ts := httptest.NewServer(New("", svc.Handle(), nil).Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestAppendAndRead(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/logs/0/records", AppendRequest{
		Records: [][]byte{[]byte("hello"), []byte("world")},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var appended AppendResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&appended))
	require.Equal(t, types.LsnOldest, appended.FirstLsn)

	readResp, err := http.Get(ts.URL + "/logs/0/records?after=1")
	require.NoError(t, err)
	defer readResp.Body.Close()
	require.Equal(t, http.StatusOK, readResp.StatusCode)

	var read ReadResponse
	require.NoError(t, json.NewDecoder(readResp.Body).Decode(&read))
	require.Equal(t, types.Lsn(2), read.Lsn)
	require.Equal(t, []byte("world"), read.Payload)
}

func TestReadPastTailIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/logs/0/records")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownLogIs404(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/logs/9/records", AppendRequest{Records: [][]byte{[]byte("x")}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrimEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/logs/1/records", AppendRequest{
		Records: [][]byte{{1}, {2}, {3}, {4}},
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/logs/1/trim", TrimRequest{TrimPoint: 2})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	tpResp, err := http.Get(ts.URL + "/logs/1/trim-point")
	require.NoError(t, err)
	defer tpResp.Body.Close()
	var tp TrimPointResponse
	require.NoError(t, json.NewDecoder(tpResp.Body).Decode(&tp))
	require.Equal(t, types.Lsn(2), tp.TrimPoint)

	tailResp, err := http.Get(ts.URL + "/logs/1/tail")
	require.NoError(t, err)
	defer tailResp.Body.Close()
	var tail TailResponse
	require.NoError(t, json.NewDecoder(tailResp.Body).Decode(&tail))
	require.Equal(t, types.Lsn(4), tail.Tail)

	// Reading inside the trimmed prefix reports the gap.
	gapResp, err := http.Get(ts.URL + "/logs/1/records?after=0")
	require.NoError(t, err)
	defer gapResp.Body.Close()
	var gap ReadResponse
	require.NoError(t, json.NewDecoder(gapResp.Body).Decode(&gap))
	require.Equal(t, types.Lsn(1), gap.Lsn)
	require.Equal(t, types.Lsn(2), gap.TrimGap)
}
