package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
)

func doRequest(t *testing.T, b *Bundler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	b.newEcho().ServeHTTP(rec, req)
	return rec
}

func TestHttpUp(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.bundler, http.MethodGet, "/up", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.bundler.status = runningStatus
	rec = doRequest(t, env.bundler, http.MethodGet, "/up", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", rec.Body.String())
}

func TestHttpSendUserOp(t *testing.T) {
	env := newTestEnv(t, nil)
	body, err := json.Marshal(newOp(senderA, 0))
	require.NoError(t, err)

	rec := doRequest(t, env.bundler, http.MethodPost, "/userop", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp HttpJsonResp[string]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	dump := env.bundler.DumpMempool()
	require.Len(t, dump, 1)
	assert.Equal(t, dump[0].Hash.Hex(), resp.Data)

	rec = doRequest(t, env.bundler, http.MethodGet, "/debug/mempool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.Data)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)
}

func TestHttpSendUserOpInvalid(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.bundler, http.MethodPost, "/userop", `{"sender":"0x000000000000000000000000000000000000000a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp HttpErrorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rpcerr.InvalidFields, resp.Error.Code)
}

func TestHttpSendUserOpRejectedCarriesCode(t *testing.T) {
	env := newTestEnv(t, nil)
	op := newOp(senderA, 0)
	_, err := env.bundler.Admit(context.Background(), op)
	require.NoError(t, err)

	// Same sender and nonce without a fee bump.
	body, err := json.Marshal(op)
	require.NoError(t, err)
	rec := doRequest(t, env.bundler, http.MethodPost, "/userop", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "higher gas")
}

func TestHttpBundle(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.bundler.Admit(context.Background(), newOp(senderA, 0))
	require.NoError(t, err)

	rec := doRequest(t, env.bundler, http.MethodPost, "/bundle?drain=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), testTx.Hex())

	rec = doRequest(t, env.bundler, http.MethodPost, "/bundle?drain=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHttpReputation(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `[{"address":"` + senderA.Hex() + `","opsSeen":1000,"opsIncluded":0}]`
	rec := doRequest(t, env.bundler, http.MethodPost, "/debug/reputation", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, env.bundler, http.MethodGet, "/debug/reputation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"opsSeen":1000`)

	rec = doRequest(t, env.bundler, http.MethodPost, "/debug/reputation", `[{"address":"nope"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env.bundler, http.MethodDelete, "/debug/reputation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.bundler.DumpReputation())
}

func TestHttpMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bundler.registry = prometheus.NewRegistry()

	rec := doRequest(t, env.bundler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReplCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.bundler.Admit(context.Background(), newOp(senderA, 0))
	require.NoError(t, err)

	var out bytes.Buffer
	env.bundler.serveRepl(strings.NewReader("mempool\nreputation\nbogus\nclear mempool\nexit\nmempool\n"), &out)

	text := out.String()
	assert.Contains(t, text, "AP Bundler REPL")
	assert.Contains(t, text, "Prefund")
	assert.Contains(t, text, "Unknown command: bogus")
	assert.Contains(t, text, "cleared mempool")
	assert.Empty(t, env.bundler.DumpMempool())
}
