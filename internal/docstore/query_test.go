package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(seq int64, fields map[string]any) Document {
	return Document{ID: "d" + string(rune('a'+seq)), Sequence: seq, Fields: fields}
}

func TestApplyFiltersAndOrdersDescending(t *testing.T) {
	docs := []Document{
		doc(1, map[string]any{"userId": "u1", "movie_id": int64(1), "savedAt": "2024-01-01T10:00:00.000Z"}),
		doc(2, map[string]any{"userId": "u2", "movie_id": int64(2), "savedAt": "2024-01-03T10:00:00.000Z"}),
		doc(3, map[string]any{"userId": "u1", "movie_id": int64(3), "savedAt": "2024-01-02T10:00:00.000Z"}),
		doc(4, map[string]any{"userId": "u1", "movie_id": int64(4), "savedAt": "2024-01-04T10:00:00.000Z"}),
	}

	got, err := Apply(docs, []Query{Equal("userId", "u1"), OrderDesc("savedAt")})
	require.NoError(t, err)
	require.Len(t, got, 3)

	var ids []int64
	for _, d := range got {
		id, ok := d.Int("movie_id")
		require.True(t, ok)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{4, 3, 1}, ids)
}

func TestApplyBreaksTiesByInsertionOrder(t *testing.T) {
	same := "2024-01-01T10:00:00.000Z"
	docs := []Document{
		doc(1, map[string]any{"savedAt": same, "n": 1}),
		doc(2, map[string]any{"savedAt": same, "n": 2}),
		doc(3, map[string]any{"savedAt": same, "n": 3}),
	}

	desc, err := Apply(docs, []Query{OrderDesc("savedAt")})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, []int64{desc[0].Sequence, desc[1].Sequence, desc[2].Sequence})

	asc, err := Apply(docs, []Query{OrderAsc("savedAt")})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, []int64{asc[0].Sequence, asc[1].Sequence, asc[2].Sequence})
}

func TestApplyNumericEqualityAcrossTypes(t *testing.T) {
	docs := []Document{
		doc(1, map[string]any{"movie_id": float64(550)}),
		doc(2, map[string]any{"movie_id": int64(551)}),
	}

	got, err := Apply(docs, []Query{Equal("movie_id", 550)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Sequence)
}

func TestApplyLimitKeepsSmallest(t *testing.T) {
	docs := []Document{doc(1, nil), doc(2, nil), doc(3, nil)}

	got, err := Apply(docs, []Query{Limit(2), Limit(1)})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCompileRejectsBadQueries(t *testing.T) {
	_, err := Compile([]Query{Equal("bad field", 1)})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = Compile([]Query{Limit(0)})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = Compile([]Query{{Kind: "search", Field: "title"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestCompareValuesRanksTypes(t *testing.T) {
	assert.Equal(t, -1, CompareValues(nil, false))
	assert.Equal(t, -1, CompareValues(true, 1))
	assert.Equal(t, -1, CompareValues(int64(2), "a"))
	assert.Equal(t, 0, CompareValues(int64(2), float64(2)))
	assert.Equal(t, 1, CompareValues("b", "a"))
}
