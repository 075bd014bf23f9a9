package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kernelmesh/logging"
)

const yamlConfig = `
host:
  name: local
  default_kernel: python
connections:
  - name: worker
    type: websocket
    url: ${KERNELMESH_TEST_URL}
    dial_timeout: 3s
  - name: parent
    type: stdio
    discover: true
    remote_host: kernel://parent
kernels:
  - name: python
    aliases: [py]
    remote_uri: kernel://worker/python
    connection: worker
logging:
  level: debug
  format: text
metrics:
  enabled: true
tracing:
  enabled: true
  exporter: none
  sampling_rate: 0.5
`

const tomlConfig = `
[host]
name = "local"

[[connections]]
name = "worker"
type = "websocket"
url = "ws://localhost:9000/kernel"

[[kernels]]
name = "python"
remote_uri = "kernel://worker/python"
connection = "worker"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("KERNELMESH_TEST_URL", "ws://localhost:8080/kernel")

	cfg, err := Load(writeFile(t, "host.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Host.Name)
	assert.Equal(t, "local", cfg.Host.RootKernel)
	assert.Equal(t, "python", cfg.Host.DefaultKernel)

	require.Len(t, cfg.Connections, 2)
	assert.Equal(t, "ws://localhost:8080/kernel", cfg.Connections[0].URL)
	assert.Equal(t, 3*time.Second, cfg.Connections[0].DialTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Connections[1].DialTimeout.Duration)
	assert.True(t, cfg.Connections[1].Discover)

	require.Len(t, cfg.Kernels, 1)
	assert.Equal(t, []string{"py"}, cfg.Kernels[0].Aliases)

	lc, err := cfg.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "text", lc.Format)
	assert.Equal(t, "local", lc.CustomAttrs["host"])

	mc := cfg.MetricsConfig()
	assert.True(t, mc.Enabled)
	assert.Equal(t, "kernelmesh", mc.Namespace)

	tc := cfg.TracingConfig()
	assert.True(t, tc.Enabled)
	assert.Equal(t, "none", tc.Exporter)
	assert.InDelta(t, 0.5, tc.SamplingRate, 1e-9)
	assert.Equal(t, "local", cfg.Tracing.ServiceName)
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "host.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Host.Name)
	require.Len(t, cfg.Kernels, 1)
	assert.Equal(t, "kernel://worker/python", cfg.Kernels[0].RemoteURI)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.InDelta(t, 1.0, cfg.Tracing.SamplingRate, 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Load(writeFile(t, "host.json", "{}"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("unknown yaml key", func(t *testing.T) {
		_, err := Load(writeFile(t, "host.yaml", "host:\n  name: local\n  colour: blue\n"))
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("unknown toml key", func(t *testing.T) {
		_, err := Load(writeFile(t, "host.toml", "[host]\nname = \"local\"\ncolour = \"blue\"\n"))
		assert.ErrorContains(t, err, "unknown keys")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeFile(t, "host.yaml", "host:\n  name: local\nconnections:\n  - name: c\n    type: stdio\n    dial_timeout: soon\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing host name",
			data:    "logging:\n  level: info\n",
			wantErr: "invalid config",
		},
		{
			name:    "unknown connection type",
			data:    "host:\n  name: local\nconnections:\n  - name: c\n    type: carrier-pigeon\n",
			wantErr: "invalid config",
		},
		{
			name:    "websocket without url",
			data:    "host:\n  name: local\nconnections:\n  - name: c\n    type: websocket\n",
			wantErr: "invalid config",
		},
		{
			name:    "discover without remote host",
			data:    "host:\n  name: local\nconnections:\n  - name: c\n    type: stdio\n    discover: true\n",
			wantErr: "invalid config",
		},
		{
			name:    "duplicate connection",
			data:    "host:\n  name: local\nconnections:\n  - name: c\n    type: stdio\n  - name: c\n    type: stdio\n",
			wantErr: `duplicate connection "c"`,
		},
		{
			name:    "kernel on unknown connection",
			data:    "host:\n  name: local\nkernels:\n  - name: python\n    remote_uri: kernel://w/python\n    connection: w\n",
			wantErr: `unknown connection "w"`,
		},
		{
			name: "duplicate kernel alias",
			data: "host:\n  name: local\nconnections:\n  - name: w\n    type: stdio\n" +
				"kernels:\n  - name: python\n    remote_uri: kernel://w/python\n    connection: w\n" +
				"  - name: javascript\n    aliases: [python]\n    remote_uri: kernel://w/javascript\n    connection: w\n",
			wantErr: `duplicate kernel name "python"`,
		},
		{
			name:    "bad log level",
			data:    "host:\n  name: local\nlogging:\n  level: loud\n",
			wantErr: "invalid config",
		},
		{
			name:    "sampling rate out of range",
			data:    "host:\n  name: local\ntracing:\n  sampling_rate: 2\n",
			wantErr: "invalid config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse([]byte("{}"), "json")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
