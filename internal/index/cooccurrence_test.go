package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCooccurrencePairsAreUnordered(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordCooccurrence("a", "b"))
	require.NoError(t, store.RecordCooccurrence("b", "a"))

	related, err := store.GetRelatedTools("a", 1, 10)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, RelatedTool{Name: "b", Count: 2}, related[0])
}

func TestRecordCooccurrencesExpandsAllPairs(t *testing.T) {
	store := newTestStore(t)

	// Three names produce three unordered pairs.
	require.NoError(t, store.RecordCooccurrences([]string{"a", "b", "c"}))

	pairs, err := store.GetCooccurrenceCount()
	require.NoError(t, err)
	assert.Equal(t, 3, pairs)

	related, err := store.GetRelatedTools("a", 1, 10)
	require.NoError(t, err)
	assert.Len(t, related, 2)
}

func TestSingleElementListIsNoOp(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordCooccurrences([]string{"alone"}))
	require.NoError(t, store.RecordCooccurrences(nil))
	require.NoError(t, store.RecordCooccurrence("same", "same"))

	pairs, err := store.GetCooccurrenceCount()
	require.NoError(t, err)
	assert.Equal(t, 0, pairs)
}

func TestGetRelatedToolsHonorsThresholdAndOrder(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordCooccurrence("hub", "strong"))
	}
	require.NoError(t, store.RecordCooccurrence("hub", "weak"))
	require.NoError(t, store.RecordCooccurrence("hub", "medium"))
	require.NoError(t, store.RecordCooccurrence("hub", "medium"))

	related, err := store.GetRelatedTools("hub", 2, 10)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, "strong", related[0].Name)
	assert.Equal(t, 3, related[0].Count)
	assert.Equal(t, "medium", related[1].Name)

	// Limit truncates after ranking.
	related, err = store.GetRelatedTools("hub", 1, 1)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "strong", related[0].Name)
}

func TestGetSuggestedBundlesExcludesWorkingSet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordCooccurrences([]string{"a", "b", "c"}))
	require.NoError(t, store.RecordCooccurrence("a", "c"))

	bundles, err := store.GetSuggestedBundles([]string{"a", "b"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "c", bundles[0].Name)
	// a-c counted twice plus b-c once.
	assert.Equal(t, 3, bundles[0].Count)
}

func TestClearCooccurrencesReturnsPriorCount(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordCooccurrences([]string{"a", "b", "c"}))

	dropped, err := store.ClearCooccurrences()
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)

	pairs, err := store.GetCooccurrenceCount()
	require.NoError(t, err)
	assert.Equal(t, 0, pairs)
}
