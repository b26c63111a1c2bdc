package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	api "github.com/ttaaoo/commitlog/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const aclModel = `[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (p.sub == "*" || r.sub == p.sub) && (r.obj == p.obj || p.obj == "*") && r.act == p.act
`

// plaintext clients have an empty subject, so the wildcard lets them through
const aclPolicy = `p, *, *, produce
p, *, *, consume
`

func newAgent(t *testing.T, dataDir string) *Agent {
	t.Helper()

	aclDir := t.TempDir()
	modelFile := filepath.Join(aclDir, "model.conf")
	policyFile := filepath.Join(aclDir, "policy.csv")
	require.NoError(t, os.WriteFile(modelFile, []byte(aclModel), 0644))
	require.NoError(t, os.WriteFile(policyFile, []byte(aclPolicy), 0644))

	ports := dynaport.Get(2)
	logger := zerolog.Nop()
	agent, err := New(Config{
		DataDir:       dataDir,
		BindAddr:      fmt.Sprintf("127.0.0.1:%d", ports[0]),
		RPCPort:       ports[1],
		ACLModelFile:  modelFile,
		ACLPolicyFile: policyFile,
		MaxStoreBytes: 64,
		Logger:        &logger,
	})
	require.NoError(t, err)
	return agent
}

func client(t *testing.T, agent *Agent) api.LogClient {
	t.Helper()

	rpcAddr, err := agent.Config.RPCAddr()
	require.NoError(t, err)
	conn, err := grpc.NewClient(rpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return api.NewLogClient(conn)
}

func httpGet(t *testing.T, url string) (int, []byte) {
	t.Helper()

	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, body
}

func TestAgent(t *testing.T) {
	dataDir := t.TempDir()
	agent := newAgent(t, dataDir)
	base := "http://" + agent.Config.BindAddr

	ctx := context.Background()
	values := []string{"foo", "bar", "hello world"}
	for i, value := range values {
		res, err := client(t, agent).Produce(ctx, &api.ProduceRequest{
			Record: &api.Record{Value: []byte(value)},
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i), res.Offset)
	}

	// records produced over gRPC are readable over HTTP
	code, body := httpGet(t, base+"/?offset=2")
	require.Equal(t, http.StatusOK, code)
	var consumed api.ConsumeResponse
	require.NoError(t, json.Unmarshal(body, &consumed))
	require.Equal(t, []byte("hello world"), consumed.Record.Value)
	require.Equal(t, uint64(2), consumed.Record.Offset)

	// and the other way around
	req, err := json.Marshal(api.ProduceRequest{Record: &api.Record{Value: []byte("over http")}})
	require.NoError(t, err)
	res, err := http.Post(base+"/", "application/json", bytes.NewReader(req))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	got, err := client(t, agent).Consume(ctx, &api.ConsumeRequest{Offset: 3})
	require.NoError(t, err)
	require.Equal(t, []byte("over http"), got.Record.Value)

	_, err = client(t, agent).Consume(ctx, &api.ConsumeRequest{Offset: 4})
	require.Equal(t, codes.NotFound, status.Code(err))

	code, _ = httpGet(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)

	code, body = httpGet(t, base+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), "commitlog_appends_total")
	require.Contains(t, string(body), "commitlog_segments")
	require.Contains(t, string(body), "go_goroutines")

	require.NoError(t, agent.Shutdown())
	require.NoError(t, agent.Shutdown())
	<-agent.Done()

	// a new agent on the same data dir picks up where the old one stopped
	agent = newAgent(t, dataDir)
	defer agent.Shutdown()

	for i, value := range append(values, "over http") {
		res, err := client(t, agent).Consume(ctx, &api.ConsumeRequest{Offset: uint64(i)})
		require.NoError(t, err)
		require.Equal(t, []byte(value), res.Record.Value)
	}

	produced, err := client(t, agent).Produce(ctx, &api.ProduceRequest{
		Record: &api.Record{Value: []byte("after restart")},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), produced.Offset)
}

func TestAgentMissingACL(t *testing.T) {
	ports := dynaport.Get(2)
	logger := zerolog.Nop()
	dir := t.TempDir()
	_, err := New(Config{
		DataDir:       dir,
		BindAddr:      fmt.Sprintf("127.0.0.1:%d", ports[0]),
		RPCPort:       ports[1],
		ACLModelFile:  filepath.Join(dir, "missing.conf"),
		ACLPolicyFile: filepath.Join(dir, "missing.csv"),
		Logger:        &logger,
	})
	require.Error(t, err)
}

func TestRPCAddr(t *testing.T) {
	addr, err := Config{BindAddr: "127.0.0.1:8400", RPCPort: 8401}.RPCAddr()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8401", addr)

	_, err = Config{BindAddr: "no-port"}.RPCAddr()
	require.Error(t, err)
}
