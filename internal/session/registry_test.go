package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopwa/internal/models"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("shop.myshopify.com")
	assert.False(t, ok)

	s := r.GetOrCreate("shop.myshopify.com")
	require.NotNil(t, s)
	assert.Equal(t, models.StateDisconnected, s.State())

	again := r.GetOrCreate("shop.myshopify.com")
	assert.Same(t, s, again, "one session per tenant")

	got, ok := r.Get("shop.myshopify.com")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry()

	const n = 32
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = r.GetOrCreate("shop.myshopify.com")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("a.myshopify.com")
	r.GetOrCreate("b.myshopify.com")

	assert.ElementsMatch(t, []string{"a.myshopify.com", "b.myshopify.com"}, r.TenantIDs())

	r.Remove("a.myshopify.com")
	_, ok := r.Get("a.myshopify.com")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"b.myshopify.com"}, r.TenantIDs())
}
