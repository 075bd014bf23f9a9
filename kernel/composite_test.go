package kernel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kernelmesh/core"
)

func newComposite(t *testing.T, name string, optFns ...func(o *Options)) *CompositeKernel {
	t.Helper()
	c := NewComposite(name, optFns...)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func TestCompositeKernel_Add(t *testing.T) {
	t.Run("registers names and selectors", func(t *testing.T) {
		c := newComposite(t, ".NET", WithURI("kernel://local/"))
		csharp, _ := newCodeKernel(t, "csharp", WithAliases("C#"))

		require.NoError(t, c.Add(csharp, "c#"))

		for _, name := range []string{"csharp", "C#", "c#"} {
			k, ok := c.FindKernel(name)
			require.True(t, ok, name)
			assert.Same(t, csharp, k)
		}
		assert.Same(t, c, csharp.ParentKernel())
		assert.Equal(t, "kernel://local/csharp", csharp.URI())
		assert.Equal(t, []string{"#!C#", "#!c#", "#!csharp"}, c.Grammar().Names())
	})

	t.Run("kernel already owned", func(t *testing.T) {
		a := newComposite(t, "a")
		b := newComposite(t, "b")
		k, _ := newCodeKernel(t, "csharp")

		require.NoError(t, a.Add(k))
		err := b.Add(k)

		assert.ErrorIs(t, err, core.ErrKernelAlreadyOwned)
		assert.Empty(t, b.Children())
	})

	t.Run("duplicate name", func(t *testing.T) {
		c := newComposite(t, ".NET")
		first, _ := newCodeKernel(t, "csharp")
		second, _ := newCodeKernel(t, "fsharp", WithAliases("csharp"))

		require.NoError(t, c.Add(first))
		err := c.Add(second)

		assert.ErrorIs(t, err, core.ErrDuplicateKernelName)
		assert.Nil(t, second.ParentKernel())
	})

	t.Run("child URIs follow the composite", func(t *testing.T) {
		c := newComposite(t, ".NET")
		k, _ := newCodeKernel(t, "python")
		explicit, _ := newCodeKernel(t, "sql", WithURI("kernel://db/sql"))

		require.NoError(t, c.Add(k))
		require.NoError(t, c.Add(explicit))
		assert.Empty(t, k.URI())

		c.SetURI("kernel://host/")

		assert.Equal(t, "kernel://host/python", k.URI())
		assert.Equal(t, "kernel://db/sql", explicit.URI())

		found, ok := c.FindKernelByURI("kernel://host/python/")
		require.True(t, ok)
		assert.Same(t, k, found)
	})
}

func TestCompositeKernel_ResolveHandler(t *testing.T) {
	t.Run("no children resolves to itself", func(t *testing.T) {
		c := newComposite(t, "root")

		k, err := c.ResolveHandler(core.NewSubmitCode("x"), nil)

		require.NoError(t, err)
		assert.Same(t, c, k)
	})

	t.Run("single child", func(t *testing.T) {
		c := newComposite(t, "root")
		csharp, subs := newCodeKernel(t, "csharp")
		require.NoError(t, c.Add(csharp))

		k, err := c.ResolveHandler(core.NewSubmitCode("x"), nil)
		require.NoError(t, err)
		assert.Same(t, csharp, k)

		_, err = c.Send(context.Background(), core.NewSubmitCode("1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, subs.list())
	})

	t.Run("two children need a default", func(t *testing.T) {
		c := newComposite(t, "root")
		csharp, _ := newCodeKernel(t, "csharp")
		fsharp, _ := newCodeKernel(t, "fsharp")
		require.NoError(t, c.Add(csharp))
		require.NoError(t, c.Add(fsharp))

		_, err := c.ResolveHandler(core.NewSubmitCode("x"), nil)
		require.ErrorIs(t, err, core.ErrNoSuitableKernel)

		res, err := c.Send(context.Background(), core.NewSubmitCode("x"))
		require.ErrorIs(t, err, core.ErrNoSuitableKernel)
		require.NotNil(t, res.Failed())

		c.SetDefaultKernelName("fsharp")
		k, err := c.ResolveHandler(core.NewSubmitCode("x"), nil)
		require.NoError(t, err)
		assert.Same(t, fsharp, k)
	})

	t.Run("target name wins", func(t *testing.T) {
		c := newComposite(t, "root")
		csharp, _ := newCodeKernel(t, "csharp")
		fsharp, _ := newCodeKernel(t, "fsharp")
		require.NoError(t, c.Add(csharp))
		require.NoError(t, c.Add(fsharp))
		c.SetDefaultKernelName("csharp")

		cmd := core.NewSubmitCode("x")
		cmd.SetTargetKernelName("fsharp")
		k, err := c.ResolveHandler(cmd, nil)
		require.NoError(t, err)
		assert.Same(t, fsharp, k)

		cmd.SetTargetKernelName("root")
		k, err = c.ResolveHandler(cmd, nil)
		require.NoError(t, err)
		assert.Same(t, c, k)

		cmd.SetTargetKernelName("ruby")
		_, err = c.ResolveHandler(cmd, nil)
		assert.ErrorIs(t, err, core.ErrNoSuitableKernel)
	})

	t.Run("destination URI", func(t *testing.T) {
		c := newComposite(t, "root", WithURI("kernel://local/"))
		csharp, _ := newCodeKernel(t, "csharp")
		fsharp, _ := newCodeKernel(t, "fsharp")
		require.NoError(t, c.Add(csharp))
		require.NoError(t, c.Add(fsharp))

		cmd := core.NewSubmitCode("x")
		cmd.SetDestinationURI("kernel://local/fsharp")
		k, err := c.ResolveHandler(cmd, nil)
		require.NoError(t, err)
		assert.Same(t, fsharp, k)
	})
}

func TestCompositeKernel_SelectorDirective(t *testing.T) {
	c := newComposite(t, ".NET")
	csharp, csharpSubs := newCodeKernel(t, "csharp")
	python, pythonSubs := newCodeKernel(t, "python")
	require.NoError(t, c.Add(csharp, "c#"))
	require.NoError(t, c.Add(python))
	c.SetDefaultKernelName("csharp")

	res, err := c.Send(context.Background(), core.NewSubmitCode("var x = 1;\n#!python\nprint(1)\n#!c#\nx"))

	require.NoError(t, err)
	assert.Equal(t, []string{"var x = 1;", "x"}, csharpSubs.list())
	assert.Equal(t, []string{"print(1)"}, pythonSubs.list())

	last := res.Events[len(res.Events)-1]
	assert.Equal(t, core.EventTypeCommandSucceeded, last.EventType())
	assert.Same(t, res.Command, last.Command())
}

func TestCompositeKernel_EventsFanIn(t *testing.T) {
	c := newComposite(t, ".NET")
	csharp, _ := newCodeKernel(t, "csharp")
	require.NoError(t, c.Add(csharp))

	var (
		mu   sync.Mutex
		seen []core.EventType
	)
	unsubscribe := c.Subscribe(func(ev core.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.EventType())
	})
	defer unsubscribe()

	// Sent to the child directly.
	_, err := csharp.Send(context.Background(), core.NewSubmitCode("a"))
	require.NoError(t, err)

	// Sent through the composite: forwarded once, not once per kernel.
	_, err = c.Send(context.Background(), core.NewSubmitCode("b"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	want := []core.EventType{
		core.EventTypeCodeSubmissionReceived,
		core.EventTypeStandardOutputValueProduced,
		core.EventTypeCommandSucceeded,
	}
	assert.Equal(t, append(append([]core.EventType{}, want...), want...), seen)
}

func TestCompositeKernel_RequestKernelInfo(t *testing.T) {
	c := newComposite(t, ".NET", WithURI("kernel://local/"))
	csharp, _ := newCodeKernel(t, "csharp")
	python, _ := newCodeKernel(t, "python")
	require.NoError(t, c.Add(csharp))
	require.NoError(t, c.Add(python))

	res, err := c.Send(context.Background(), core.NewRequestKernelInfo())
	require.NoError(t, err)

	var names []string
	for _, ev := range res.EventsOfType(core.EventTypeKernelInfoProduced) {
		names = append(names, ev.(*core.KernelInfoProduced).Info.LocalName)
	}
	assert.Equal(t, []string{".NET", "csharp", "python"}, names)

	info := c.KernelInfo()
	assert.True(t, info.IsComposite)
	assert.True(t, info.Supports(core.CommandTypeSubmitCode))
}

func TestCompositeKernel_RoutingSlipRecordsTraversal(t *testing.T) {
	c := newComposite(t, ".NET", WithURI("kernel://local/"))
	csharp, _ := newCodeKernel(t, "csharp")
	require.NoError(t, c.Add(csharp))

	cmd := core.NewSubmitCode("x")
	_, err := c.Send(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, []string{"kernel://local/csharp", "kernel://local/"}, cmd.RoutingSlip().URIs())
}

func TestCompositeKernel_DisposeIsTransitive(t *testing.T) {
	c := NewComposite(".NET")
	csharp, _ := newCodeKernel(t, "csharp")
	require.NoError(t, c.Add(csharp))

	require.NoError(t, c.Dispose())

	assert.True(t, csharp.IsDisposed())
	_, err := csharp.Send(context.Background(), core.NewSubmitCode("x"))
	assert.ErrorIs(t, err, core.ErrKernelDisposed)
}
