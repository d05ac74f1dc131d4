package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Grounded on original_source's TestBundleStorageCatalog.cpp: exercise the
// priority x destination x expiration index directly, without any disk or
// segment memory manager involved (spec.md §8 testable property 2).

func TestCatalogPopOrdersByPriorityThenExpirationThenLIFO(t *testing.T) {
	c := NewCatalog()

	c.Insert(1, 0, 10, ChainInfo{BundleSizeBytes: 1})
	c.Insert(1, 1, 50, ChainInfo{BundleSizeBytes: 2})
	c.Insert(1, 2, 200, ChainInfo{BundleSizeBytes: 3})

	e, ok := c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(3), e.chain.BundleSizeBytes) // priority 2 first

	e, ok = c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(2), e.chain.BundleSizeBytes) // priority 1 next

	e, ok = c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(1), e.chain.BundleSizeBytes) // priority 0 last
}

func TestCatalogExpeditedBeatsNormalOnTiedExpiration(t *testing.T) {
	c := NewCatalog()
	c.Insert(1, 0, 100, ChainInfo{BundleSizeBytes: 10})
	c.Insert(1, 2, 100, ChainInfo{BundleSizeBytes: 20})

	e, ok := c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(20), e.chain.BundleSizeBytes)
}

func TestCatalogEarliestExpirationFirstWithinPriority(t *testing.T) {
	c := NewCatalog()
	c.Insert(1, 1, 500, ChainInfo{BundleSizeBytes: 1})
	c.Insert(1, 1, 50, ChainInfo{BundleSizeBytes: 2})
	c.Insert(1, 1, 300, ChainInfo{BundleSizeBytes: 3})

	order := []uint64{}
	for {
		e, ok := c.PopTop([]uint64{1})
		if !ok {
			break
		}
		order = append(order, e.chain.BundleSizeBytes)
	}
	require.Equal(t, []uint64{2, 3, 1}, order)
}

func TestCatalogLIFOWithinSameExpirationBucket(t *testing.T) {
	c := NewCatalog()
	c.Insert(1, 1, 100, ChainInfo{BundleSizeBytes: 1})
	c.Insert(1, 1, 100, ChainInfo{BundleSizeBytes: 2})
	c.Insert(1, 1, 100, ChainInfo{BundleSizeBytes: 3})

	e1, _ := c.PopTop([]uint64{1})
	e2, _ := c.PopTop([]uint64{1})
	e3, _ := c.PopTop([]uint64{1})
	require.Equal(t, []uint64{3, 2, 1}, []uint64{e1.chain.BundleSizeBytes, e2.chain.BundleSizeBytes, e3.chain.BundleSizeBytes})
}

func TestCatalogUnavailableDestinationIsInvisible(t *testing.T) {
	c := NewCatalog()
	c.Insert(1, 2, 10, ChainInfo{BundleSizeBytes: 1})
	c.Insert(2, 2, 10, ChainInfo{BundleSizeBytes: 2})

	e, ok := c.PopTop([]uint64{2})
	require.True(t, ok)
	require.Equal(t, uint64(2), e.chain.BundleSizeBytes)

	_, ok = c.PopTop([]uint64{2})
	require.False(t, ok, "destination 1's chain must stay invisible when only 2 is available")
}

func TestCatalogReturnTopReinsertsAtFront(t *testing.T) {
	c := NewCatalog()
	c.Insert(1, 1, 100, ChainInfo{BundleSizeBytes: 1})
	c.Insert(1, 1, 100, ChainInfo{BundleSizeBytes: 2})

	e, ok := c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(2), e.chain.BundleSizeBytes)

	c.ReturnTop(e)

	e2, ok := c.PopTop([]uint64{1})
	require.True(t, ok)
	require.Equal(t, uint64(2), e2.chain.BundleSizeBytes, "returned entry must be popped again before the older one")

	require.Equal(t, 1, c.Len())
}
