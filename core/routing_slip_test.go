package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSlip(t *testing.T, uris ...string) RoutingSlip {
	t.Helper()
	s, err := NewRoutingSlip(uris...)
	require.NoError(t, err)
	return s
}

func TestRoutingSlip_StampTwiceFails(t *testing.T) {
	cmd := NewSubmitCode("1+1")

	require.NoError(t, cmd.StampRoutingSlip("kernel://a/"))
	err := cmd.StampRoutingSlip("kernel://a/")

	assert.ErrorIs(t, err, ErrDuplicateRoutingSlipEntry)
	assert.Equal(t, []string{"kernel://a/"}, cmd.RoutingSlip().URIs())
}

func TestRoutingSlip_StampEmptyURI(t *testing.T) {
	_, err := RoutingSlip{}.Stamp("  ")
	assert.ErrorIs(t, err, ErrInvalidKernelURI)
}

func TestRoutingSlip_StampDoesNotAlias(t *testing.T) {
	base := mustSlip(t, "kernel://1/")
	a, err := base.Stamp("kernel://2/")
	require.NoError(t, err)
	b, err := base.Stamp("kernel://3/")
	require.NoError(t, err)

	assert.Equal(t, []string{"kernel://1/", "kernel://2/"}, a.URIs())
	assert.Equal(t, []string{"kernel://1/", "kernel://3/"}, b.URIs())
	assert.Equal(t, 1, base.Len())
}

func TestRoutingSlip_Append(t *testing.T) {
	tests := []struct {
		name    string
		base    []string
		other   []string
		want    []string
		wantErr bool
	}{
		{
			name:  "continuation of shared prefix",
			base:  []string{"kernel://1/", "kernel://2/"},
			other: []string{"kernel://1/", "kernel://2/", "kernel://3/"},
			want:  []string{"kernel://1/", "kernel://2/", "kernel://3/"},
		},
		{
			name:  "diverges after partial shared prefix",
			base:  []string{"kernel://1/", "kernel://2/", "kernel://3/"},
			other: []string{"kernel://1/", "kernel://2/", "kernel://5/"},
			want:  []string{"kernel://1/", "kernel://2/", "kernel://3/", "kernel://5/"},
		},
		{
			name:  "diverges after first entry",
			base:  []string{"kernel://1/", "kernel://2/"},
			other: []string{"kernel://1/", "kernel://4/"},
			want:  []string{"kernel://1/", "kernel://2/", "kernel://4/"},
		},
		{
			name:    "recurring uri beyond shared prefix",
			base:    []string{"kernel://1/", "kernel://2/", "kernel://3/"},
			other:   []string{"kernel://1/", "kernel://3/"},
			wantErr: true,
		},
		{
			name:  "other is prefix of base",
			base:  []string{"kernel://1/", "kernel://2/"},
			other: []string{"kernel://1/"},
			want:  []string{"kernel://1/", "kernel://2/"},
		},
		{
			name:  "disjoint",
			base:  []string{"kernel://1/"},
			other: []string{"kernel://5/", "kernel://6/"},
			want:  []string{"kernel://1/", "kernel://5/", "kernel://6/"},
		},
		{
			name:  "empty base",
			other: []string{"kernel://1/"},
			want:  []string{"kernel://1/"},
		},
		{
			name:    "overlap in disjoint tail",
			base:    []string{"kernel://1/", "kernel://2/"},
			other:   []string{"kernel://3/", "kernel://2/"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := mustSlip(t, tt.base...)
			got, err := base.Append(mustSlip(t, tt.other...))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrDuplicateRoutingSlipEntry)
				assert.Equal(t, base.URIs(), got.URIs())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.URIs())
		})
	}
}

func TestRoutingSlip_StartsWith(t *testing.T) {
	s := mustSlip(t, "kernel://1/", "kernel://2/")
	assert.True(t, s.StartsWith(RoutingSlip{}))
	assert.True(t, s.StartsWith(mustSlip(t, "kernel://1/")))
	assert.False(t, s.StartsWith(mustSlip(t, "kernel://2/")))
	assert.False(t, s.StartsWith(mustSlip(t, "kernel://1/", "kernel://2/", "kernel://3/")))
}

func TestKernelURI(t *testing.T) {
	uri, err := ParseKernelURI("kernel://host-a/csharp/")
	require.NoError(t, err)
	assert.Equal(t, "kernel://host-a/csharp", uri)

	host, local, err := SplitKernelURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "kernel://host-a/", host)
	assert.Equal(t, "csharp", local)

	assert.Equal(t, "kernel://host-a/", HostURI("host-a"))
	assert.Equal(t, "kernel://host-a/fsharp", JoinKernelURI("kernel://host-a/", "fsharp"))

	_, err = ParseKernelURI("no-scheme")
	assert.ErrorIs(t, err, ErrInvalidKernelURI)
}
