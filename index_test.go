package oplog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
)

func TestIndexArithmetic(t *testing.T) {
	require.Equal(t, oplog.Index(1), oplog.IndexNone.Next())
	require.Equal(t, oplog.IndexInitial, oplog.IndexNone.Next())
	require.Equal(t, oplog.Index(5), oplog.Index(4).Next())

	require.Equal(t, oplog.Index(3), oplog.Index(4).Previous())
	require.Equal(t, oplog.IndexNone, oplog.IndexNone.Previous())

	// A range of count entries starting at i ends at i+count-1.
	require.Equal(t, oplog.Index(4), oplog.IndexInitial.RangeEnd(4))
	require.Equal(t, oplog.Index(10), oplog.Index(10).RangeEnd(1))

	require.Equal(t, oplog.Index(7), oplog.Index(10).Subtract(3))
	require.Equal(t, oplog.IndexNone, oplog.Index(2).Subtract(5))
}

func TestRegionContains(t *testing.T) {
	r := oplog.Region{Start: 3, End: 7}

	require.False(t, r.Contains(2))
	require.True(t, r.Contains(3))
	require.True(t, r.Contains(5))
	require.True(t, r.Contains(7))
	require.False(t, r.Contains(8))

	require.Equal(t, uint64(5), r.Width())
	require.Equal(t, uint64(1), oplog.Region{Start: 4, End: 4}.Width())
}

func TestRegionSetAdd(t *testing.T) {
	testCases := []struct {
		name     string
		add      []oplog.Region
		expected []oplog.Region
	}{
		{
			name:     "disjoint",
			add:      []oplog.Region{{Start: 1, End: 2}, {Start: 5, End: 6}},
			expected: []oplog.Region{{Start: 1, End: 2}, {Start: 5, End: 6}},
		},
		{
			name:     "overlapping",
			add:      []oplog.Region{{Start: 1, End: 4}, {Start: 3, End: 8}},
			expected: []oplog.Region{{Start: 1, End: 8}},
		},
		{
			name:     "abutting",
			add:      []oplog.Region{{Start: 1, End: 3}, {Start: 4, End: 6}},
			expected: []oplog.Region{{Start: 1, End: 6}},
		},
		{
			name:     "contained",
			add:      []oplog.Region{{Start: 1, End: 10}, {Start: 3, End: 5}},
			expected: []oplog.Region{{Start: 1, End: 10}},
		},
		{
			name:     "bridging",
			add:      []oplog.Region{{Start: 1, End: 2}, {Start: 6, End: 8}, {Start: 3, End: 5}},
			expected: []oplog.Region{{Start: 1, End: 8}},
		},
		{
			name:     "out of order",
			add:      []oplog.Region{{Start: 8, End: 9}, {Start: 1, End: 2}},
			expected: []oplog.Region{{Start: 1, End: 2}, {Start: 8, End: 9}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var rs oplog.RegionSet
			for _, r := range tc.add {
				rs.Add(r)
			}
			require.Equal(t, tc.expected, rs.Regions())
		})
	}
}

func TestRegionSetSkipOver(t *testing.T) {
	rs := oplog.NewRegionSet(
		oplog.Region{Start: 3, End: 5},
		oplog.Region{Start: 6, End: 8},
		oplog.Region{Start: 12, End: 14},
	)

	// Outside any region the index is unchanged.
	require.Equal(t, oplog.Index(2), rs.SkipOver(2))
	require.Equal(t, oplog.Index(10), rs.SkipOver(10))

	// Adjacent regions merge, so the skip clears both in one step.
	require.Equal(t, oplog.Index(9), rs.SkipOver(3))
	require.Equal(t, oplog.Index(9), rs.SkipOver(7))
	require.Equal(t, oplog.Index(15), rs.SkipOver(13))
}

func TestRegionSetQueries(t *testing.T) {
	var rs oplog.RegionSet
	require.True(t, rs.IsEmpty())
	require.Equal(t, uint64(0), rs.TotalWidth())
	require.False(t, rs.Contains(1))

	rs.Add(oplog.Region{Start: 2, End: 4})
	rs.Add(oplog.Region{Start: 8, End: 8})

	require.False(t, rs.IsEmpty())
	require.Equal(t, uint64(4), rs.TotalWidth())
	require.True(t, rs.Contains(3))
	require.True(t, rs.Contains(8))
	require.False(t, rs.Contains(5))

	found, ok := rs.Find(4)
	require.True(t, ok)
	require.Equal(t, oplog.Region{Start: 2, End: 4}, found)

	_, ok = rs.Find(5)
	require.False(t, ok)

	var other oplog.RegionSet
	other.Add(oplog.Region{Start: 5, End: 7})
	rs.AddAll(other)
	require.Equal(t, []oplog.Region{{Start: 2, End: 8}}, rs.Regions())
}
