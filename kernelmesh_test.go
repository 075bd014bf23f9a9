package kernelmesh

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/kernelmesh/config"
	"github.com/hupe1980/kernelmesh/connection"
	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/internal/testutil"
	"github.com/hupe1980/kernelmesh/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runMesh runs m until the test ends.
func runMesh(t *testing.T, m *KernelMesh) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	t.Cleanup(func() {
		require.NoError(t, m.Close(context.Background()))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("mesh did not stop")
		}
	})
}

func stdout(res *core.KernelCommandResult) []string {
	var out []string
	for _, ev := range res.EventsOfType(core.EventTypeStandardOutputValueProduced) {
		out = append(out, ev.(*core.StandardOutputValueProduced).FormattedValues[0].Value)
	}
	return out
}

func TestKernelMesh_LocalKernels(t *testing.T) {
	m := New("local", func(o *Options) {
		o.RootKernelName = ".NET"
		o.DefaultKernel = "csharp"
	})
	defer m.Close(context.Background())

	require.NoError(t, m.AddKernel(testutil.EchoKernel("csharp", "cs:", m.KernelOptions()...)))
	require.NoError(t, m.AddKernel(testutil.EchoKernel("fsharp", "fs:", m.KernelOptions()...), "f#"))

	assert.Equal(t, ".NET", m.Root().Name())
	assert.Equal(t, "kernel://local/", m.Root().URI())

	ctx := context.Background()

	res, err := m.SubmitCode(ctx, "1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cs:1"}, stdout(res))

	res, err = m.SubmitCode(ctx, "2", "f#")
	require.NoError(t, err)
	assert.Equal(t, []string{"fs:2"}, stdout(res))

	res, err = m.SubmitCode(ctx, "#!fsharp\n3\n#!csharp\n4", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"fs:3", "cs:4"}, stdout(res))
}

func TestKernelMesh_ProxyOverPipe(t *testing.T) {
	remote := New("b")
	require.NoError(t, remote.AddKernel(testutil.EchoKernel("python", "py:")))

	local := New("a")

	ta, tb := connection.NewPipe()
	require.NoError(t, local.AddConnection("b", ta))
	require.NoError(t, remote.AddConnection("a", tb))

	runMesh(t, remote)
	runMesh(t, local)

	p, err := local.ConnectProxyKernel("python", "kernel://b/python", "b", "py")
	require.NoError(t, err)
	assert.True(t, p.KernelInfo().IsProxy)

	res, err := local.SubmitCode(context.Background(), "print(1)", "py")
	require.NoError(t, err)
	assert.Equal(t, []string{"py:print(1)"}, stdout(res))
}

func TestNewFromConfig_StdioDiscovery(t *testing.T) {
	// Cross-wired pipes stand in for the stdio of a child process.
	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	remote := New("b")
	require.NoError(t, remote.AddKernel(testutil.EchoKernel("python", "py:")))
	require.NoError(t, remote.AddConnection("parent", connection.NewStreamTransport(br, bw)))
	runMesh(t, remote)

	cfg, err := config.Parse([]byte(`
host:
  name: a
  default_kernel: python
connections:
  - name: child
    type: stdio
    discover: true
    remote_host: kernel://b
logging:
  level: error
tracing:
  enabled: true
  exporter: none
`), "yaml")
	require.NoError(t, err)

	local, err := NewFromConfig(context.Background(), cfg, func(o *Options) {
		o.Stdin = ar
		o.Stdout = aw
	})
	require.NoError(t, err)
	runMesh(t, local)

	assert.Equal(t, "a", local.Root().Name())

	require.Eventually(t, func() bool {
		_, ok := local.Root().FindKernel("python")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	res, err := local.SubmitCode(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"py:x"}, stdout(res))
}

func TestNewFromConfig_WebSocketProxy(t *testing.T) {
	remote := New("b")
	require.NoError(t, remote.AddKernel(testutil.EchoKernel("python", "py:")))
	runMesh(t, remote)

	srv := httptest.NewServer(remote.AcceptHandler("client"))
	defer srv.Close()

	cfg, err := config.Parse([]byte(`
host:
  name: a
connections:
  - name: b
    type: websocket
    url: `+"ws"+strings.TrimPrefix(srv.URL, "http")+`
    dial_timeout: 2s
kernels:
  - name: python
    aliases: [py]
    remote_uri: kernel://b/python
    connection: b
logging:
  level: error
metrics:
  enabled: true
`), "yaml")
	require.NoError(t, err)

	local, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	runMesh(t, local)

	res, err := local.SubmitCode(context.Background(), "1 + 1", "py")
	require.NoError(t, err)
	assert.Equal(t, []string{"py:1 + 1"}, stdout(res))

	_, ok := remote.Host().Connection("client-1")
	assert.True(t, ok)

	rec := httptest.NewRecorder()
	local.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kernelmesh_envelopes_sent_total")
}

func TestNewFromConfig_DialFailure(t *testing.T) {
	cfg, err := config.Parse([]byte(`
host:
  name: a
connections:
  - name: b
    type: websocket
    url: ws://127.0.0.1:1/kernel
    dial_timeout: 500ms
logging:
  level: error
`), "yaml")
	require.NoError(t, err)

	_, err = NewFromConfig(context.Background(), cfg)
	assert.ErrorContains(t, err, "connection b")
}

func TestKernelMesh_MetricsDisabled(t *testing.T) {
	m := New("local", func(o *Options) {
		o.Metrics = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	})
	defer m.Close(context.Background())

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
