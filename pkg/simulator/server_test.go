package simulator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *Engine) {
	t.Helper()
	e, _ := newTestEngine(t)
	ts := httptest.NewServer(NewServer(e, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts, e
}

func call(t *testing.T, ts *httptest.Server, method, path, session string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+api.Prefix+path, &buf)
	require.NoError(t, err)
	req.Header.Set(api.UserHeader, "alice")
	if session != "" {
		req.Header.Set(api.SessionHeader, session)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServerSessionFromHeader(t *testing.T) {
	ts, e := newTestServer(t)

	var id api.IDResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/sessions", "", nil, &id))
	require.NotEmpty(t, id.ID)

	var info api.PortInfo
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/ports", id.ID, api.PortSpec{Interface: "trunk-1-2"}, &info))
	assert.Equal(t, "trunk-1-2", info.Interface)

	users := e.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodDelete, "/sessions/"+id.ID, "", nil, nil))
	assert.Empty(t, e.Users())
}

func TestServerErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	var apiErr api.Error
	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, "/nowhere", "", nil, &apiErr))
	assert.Equal(t, api.CodeNotFound, apiErr.Code)
	assert.Equal(t, api.KindDomain, apiErr.Kind)

	apiErr = api.Error{}
	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, "/streams/missing/result", "", nil, &apiErr))
	assert.Equal(t, api.CodeNotFound, apiErr.Code)

	var id api.IDResponse
	call(t, ts, http.MethodPost, "/sessions", "", api.ConnectRequest{User: "bob"}, &id)
	var info api.PortInfo
	call(t, ts, http.MethodPost, "/ports", id.ID, api.PortSpec{Interface: "nontrunk-1"}, &info)

	apiErr = api.Error{}
	code := call(t, ts, http.MethodPost, "/ports/"+info.ID+"/triggers", "", api.TriggerSpec{Filter: "udp port banana"}, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, api.CodeInvalidFilter, apiErr.Code)

	apiErr = api.Error{}
	code = call(t, ts, http.MethodGet, "/interfaces/nontrunk-1/dump?duration=soon", "", nil, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)
}

func TestServerInfo(t *testing.T) {
	ts, _ := newTestServer(t)

	var info api.ServiceInfo
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/info", "", nil, &info))
	assert.Equal(t, api.Version, info.APIVersion)

	var names []string
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/interfaces", "", nil, &names))
	assert.Contains(t, names, "nontrunk-1")
	assert.Contains(t, names, "trunk-1-4")

	var users []api.User
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/users", "", nil, &users))
	assert.NotNil(t, users)
	assert.Empty(t, users)

	var stamp api.TimestampResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/timestamp", "", nil, &stamp))
	assert.Equal(t, t0.UnixNano(), stamp.TimestampNs)
}

func TestServerDeviceRoutes(t *testing.T) {
	ts, e := newTestServer(t)
	dev := firstDevice(t, e)

	var sess api.IDResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/sessions", "", nil, &sess))
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPut, "/devices/"+dev.UUID+"/lock", sess.ID, api.LockRequest{Locked: true}, nil))

	var apiErr api.Error
	call(t, ts, http.MethodPost, "/devices/"+dev.UUID+"/networkmonitors", sess.ID, api.NetworkMonitorSpec{Interface: "eth9"}, &apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)

	var mon api.IDResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/devices/"+dev.UUID+"/networkmonitors", sess.ID, api.NetworkMonitorSpec{}, &mon))
	var samples []api.NetworkInfoSample
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/networkmonitors/"+mon.ID+"/history", "", nil, &samples))
	assert.Empty(t, samples)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodDelete, "/networkmonitors/"+mon.ID, "", nil, nil))

	var trig api.IDResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/devices/"+dev.UUID+"/latencybasic", sess.ID, api.LatencyBasicSpec{DestinationPort: 4096}, &trig))
	var res api.TriggerResult
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/latency/"+trig.ID+"/basic", "", nil, &res))
	assert.Zero(t, res.Cumulative.PacketCount)
	apiErr = api.Error{}
	call(t, ts, http.MethodGet, "/latency/"+trig.ID+"/result", "", nil, &apiErr)
	assert.Equal(t, api.CodeInvalidState, apiErr.Code)

	var cl api.IDResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/devices/"+dev.UUID+"/httpclients", sess.ID,
		api.HTTPClientSpec{RemoteAddress: "10.10.0.2", RemotePort: 4096}, &cl))
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodDelete, "/devices/"+dev.UUID+"/httpclients/"+cl.ID, sess.ID, nil, nil))

	apiErr = api.Error{}
	code := call(t, ts, http.MethodGet, "/httpservers/none/sessions/"+cl.ID+"/history?interval=soon", "", nil, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)
}
