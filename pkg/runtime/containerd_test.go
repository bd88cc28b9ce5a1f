package runtime

import (
	"context"
	"testing"

	"github.com/containerd/containerd/namespaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetach_OutlivesCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(namespaces.WithNamespace(context.Background(), DefaultNamespace))
	waitCtx := detach(ctx)
	cancel()

	require.Error(t, ctx.Err())
	assert.NoError(t, waitCtx.Err())
	assert.Nil(t, waitCtx.Done())

	ns, ok := namespaces.Namespace(waitCtx)
	require.True(t, ok)
	assert.Equal(t, DefaultNamespace, ns)
}
