package ports

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name        string
		defaultPort int
		basePort    int
		index       int
		offset      int
		want        int
	}{
		{name: "first environment", defaultPort: 3000, basePort: 4000, index: 0, offset: 1000, want: 4000},
		{name: "shifted default", defaultPort: 3001, basePort: 4000, index: 0, offset: 1000, want: 4001},
		{name: "second environment", defaultPort: 3000, basePort: 4000, index: 1, offset: 1000, want: 5000},
		{name: "below band", defaultPort: 2999, basePort: 4000, index: 2, offset: 100, want: 4199},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Resolve(tc.defaultPort, tc.basePort, tc.index, tc.offset))
		})
	}
}

func TestResolve_DistinctEnvironmentsDoNotCollide(t *testing.T) {
	seen := map[int]bool{}
	for idx := 0; idx < 8; idx++ {
		for def := 3000; def < 3010; def++ {
			p := Resolve(def, 4000, idx, 1000)
			require.False(t, seen[p], "port %d reused", p)
			seen[p] = true
		}
	}
}

func TestAllocator(t *testing.T) {
	a := Allocator{BasePort: 4000, PortOffset: 1000, EnvIndex: 2}
	require.Equal(t, 6000, a.Port(3000))
	require.Equal(t, 6005, a.Port(3005))
}
