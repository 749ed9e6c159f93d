package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	testCases := []struct {
		desc    string
		arg     string
		in      []int // included blocks of a 10-block file
		damaged bool
		tdata   bool
		wantErr bool
	}{
		{
			desc: "single member",
			arg:  "2",
			in:   []int{1},
		},
		{
			desc: "range",
			arg:  "3-5",
			in:   []int{2, 3, 4},
		},
		{
			desc: "list",
			arg:  "1,3-4,9",
			in:   []int{0, 2, 3, 8},
		},
		{
			desc: "reverse single",
			arg:  "r1",
			in:   []int{9},
		},
		{
			desc: "reverse range",
			arg:  "r1,3-5",
			in:   []int{5, 6, 7, 9},
		},
		{
			desc: "negated",
			arg:  "^2",
			in:   []int{0, 2, 3, 4, 5, 6, 7, 8, 9},
		},
		{
			desc: "reverse negated",
			arg:  "r^1,3-5",
			in:   []int{0, 1, 2, 3, 4, 8},
		},
		{
			desc:    "damaged flag",
			arg:     "damaged",
			damaged: true,
			in:      []int{},
		},
		{
			desc:  "combined",
			arg:   "damaged:tdata:2-3",
			in:    []int{1, 2},
			damaged: true,
			tdata: true,
		},
		{
			desc:    "garbage",
			arg:     "frob",
			wantErr: true,
		},
		{
			desc:    "descending ranges",
			arg:     "5,3",
			wantErr: true,
		},
		{
			desc:    "zero member",
			arg:     "0",
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			sel, err := ParseSelector(tc.arg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.damaged, sel.Damaged)
			assert.Equal(t, tc.tdata, sel.Tdata)
			var got []int
			for i := 0; i < 10; i++ {
				if sel.Includes(i, 10) {
					got = append(got, i)
				}
			}
			if len(tc.in) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tc.in, got)
			}
		})
	}
}

func TestSelectorEmptyIncludesNothing(t *testing.T) {
	sel := NewSelector()
	for i := 0; i < 5; i++ {
		assert.False(t, sel.Includes(i, 5))
	}
}
