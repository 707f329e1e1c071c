package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocator(t *testing.T) {
	ctx := context.Background()
	a := NewPoolAllocator(map[string][]string{
		"mysql": {"10.0.0.2", "10.0.0.1", "10.0.0.3"},
		"proxy": {"10.0.1.1"},
	})

	got, err := a.Reserve(ctx, "t1", []Request{{Pool: "mysql", Count: 2}, {Pool: "proxy", Count: 1}})
	require.NoError(t, err)
	assert.Equal(t, []Resource{
		{Pool: "mysql", Host: "10.0.0.1"},
		{Pool: "mysql", Host: "10.0.0.2"},
		{Pool: "proxy", Host: "10.0.1.1"},
	}, got)
	assert.Equal(t, 1, a.Free("mysql"))

	_, err = a.Reserve(ctx, "t2", []Request{{Pool: "mysql", Count: 1}, {Pool: "proxy", Count: 1}})
	assert.ErrorIs(t, err, ErrInsufficient)
	assert.Equal(t, 1, a.Free("mysql"), "a failed reservation grants nothing")

	require.NoError(t, a.Release(ctx, "t1"))
	assert.Equal(t, 3, a.Free("mysql"))
	assert.Equal(t, 1, a.Free("proxy"))
}

func TestPoolAllocator_InvalidRequests(t *testing.T) {
	a := NewPoolAllocator(map[string][]string{"mysql": {"h"}})

	_, err := a.Reserve(context.Background(), "t", []Request{{Pool: "redis", Count: 1}})
	assert.ErrorIs(t, err, ErrUnknownPool)

	_, err = a.Reserve(context.Background(), "t", []Request{{Pool: "mysql", Count: 0}})
	assert.Error(t, err)
}
