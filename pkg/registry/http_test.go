package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardant/guardant/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	reg, _, _ := newTestRegistry(t)
	srv := NewServer(":0", "https://api.guardant.dev", reg)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, reg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterEndpoint(t *testing.T) {
	ts, reg := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/public/workers/register", registerReq("ant-h1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var pending types.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	assert.Equal(t, types.WorkerPending, pending.Status)

	_, err := reg.Approve(context.Background(), "ant-h1", "eu-west")
	require.NoError(t, err)

	resp = postJSON(t, ts.URL+"/api/public/workers/register", registerReq("ant-h1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var active types.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	assert.Equal(t, types.WorkerActive, active.Status)
	require.NotNil(t, active.BrokerCredentials)
	assert.Equal(t, "ant-h1", active.BrokerCredentials.Username)
}

func TestRegisterEndpointValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	// Missing ownerEmail fails struct validation.
	resp := postJSON(t, ts.URL+"/api/public/workers/register", map[string]string{"workerId": "ant-h2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/api/public/workers/register", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterEndpointRevoked(t *testing.T) {
	ts, reg := newTestServer(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registerReq("ant-h3"))
	require.NoError(t, err)
	_, err = reg.Approve(ctx, "ant-h3", "eu-west")
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, "ant-h3"))

	resp := postJSON(t, ts.URL+"/api/public/workers/register", registerReq("ant-h3"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminApproveAndList(t *testing.T) {
	ts, reg := newTestServer(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registerReq("ant-h4"))
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/admin/workers/ant-h4/approve", map[string]string{"regionId": "us-east"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var worker types.WorkerAnt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&worker))
	assert.Equal(t, types.WorkerActive, worker.Status)
	assert.Equal(t, "us-east", worker.RegionID)

	// Missing regionId is rejected.
	resp = postJSON(t, ts.URL+"/api/admin/workers/ant-h4/approve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/api/admin/workers?region=us-east")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listing struct {
		Workers []*types.WorkerAnt `json:"workers"`
		Count   int                `json:"count"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, "ant-h4", listing.Workers[0].ID)
}

func TestAdminDrainUnknownWorkerConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/admin/workers/ant-nope/drain", map[string]string{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInstallScript(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/install")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/x-shellscript", resp.Header.Get("Content-Type"))

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	script := buf.String()
	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, `CONTROL_PLANE_URL="https://api.guardant.dev"`)
	assert.Contains(t, script, "OWNER_EMAIL must be set")
	assert.Contains(t, script, "guardant-worker run --config")
}

func TestInstallScriptBakesQueryParams(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/install?email=ops@example.com&region=eu-west")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	script := buf.String()
	assert.Contains(t, script, `OWNER_EMAIL="${OWNER_EMAIL:-'ops@example.com'}"`)
	assert.Contains(t, script, `REGION="${REGION:-'eu-west'}"`)
}

func TestAdminRegions(t *testing.T) {
	ts, reg := newTestServer(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registerReq("ant-h5"))
	require.NoError(t, err)
	_, err = reg.Approve(ctx, "ant-h5", "ap-south")
	require.NoError(t, err)
	require.NoError(t, reg.Heartbeat(ctx, &types.Heartbeat{WorkerID: "ant-h5", Timestamp: time.Now().UnixMilli()}))

	resp, err := http.Get(ts.URL + "/api/admin/regions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Regions map[string]int `json:"regions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 10, body.Regions["ap-south"])
}
