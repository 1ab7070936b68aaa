package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func specSet(defs map[string][]string) map[string]ServiceSpec {
	out := make(map[string]ServiceSpec, len(defs))
	for name, deps := range defs {
		out[name] = ServiceSpec{Name: name, DefaultPort: 3000, RunCommand: DefaultRunCommand, DependsOn: deps}
	}
	return out
}

func TestResolve_LinearChain(t *testing.T) {
	specs := specSet(map[string][]string{
		"db":     nil,
		"server": {"db"},
		"web":    {"server"},
	})

	plan, err := Resolve([]string{"web", "server", "db"}, specs)
	require.NoError(t, err)
	require.Equal(t, []string{"db", "server", "web"}, plan.Order)
	require.Equal(t, [][]string{{"db"}, {"server"}, {"web"}}, plan.Levels)
}

func TestResolve_ParallelLevel(t *testing.T) {
	specs := specSet(map[string][]string{
		"db":     nil,
		"cache":  nil,
		"api":    {"db", "cache"},
		"worker": {"db"},
		"web":    {"api"},
	})

	plan, err := Resolve([]string{"db", "cache", "api", "worker", "web"}, specs)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"db", "cache"}, {"api", "worker"}, {"web"}}, plan.Levels)
}

func TestResolve_IgnoresDependenciesOutsideRequestedSet(t *testing.T) {
	specs := specSet(map[string][]string{
		"db":     nil,
		"server": {"db"},
	})

	plan, err := Resolve([]string{"server"}, specs)
	require.NoError(t, err)
	require.Equal(t, []string{"server"}, plan.Order)
	require.Equal(t, [][]string{{"server"}}, plan.Levels)
	require.Empty(t, plan.DependsOn("server"))
}

func TestResolve_DuplicatesIgnored(t *testing.T) {
	specs := specSet(map[string][]string{"a": nil, "b": {"a"}})

	plan, err := Resolve([]string{"b", "a", "b"}, specs)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, plan.Order)
}

func TestResolve_UnknownService(t *testing.T) {
	_, err := Resolve([]string{"ghost"}, specSet(map[string][]string{"a": nil}))
	require.Error(t, err)
	require.True(t, IsConfigError(err))
	require.Contains(t, err.Error(), "ghost")
}

func TestResolve_Cycle(t *testing.T) {
	specs := specSet(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})

	_, err := Resolve([]string{"a", "b"}, specs)
	require.Error(t, err)
	require.True(t, IsConfigError(err))
	require.True(t, errors.Is(err, ErrDependencyCycle))
	require.Contains(t, err.Error(), "a -> b -> a")
}

func TestResolve_SelfCycle(t *testing.T) {
	_, err := Resolve([]string{"a"}, specSet(map[string][]string{"a": {"a"}}))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDependencyCycle))
}

func TestResolve_CycleOutsideRequestedSetIsNotAnError(t *testing.T) {
	specs := specSet(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": nil,
	})

	plan, err := Resolve([]string{"a", "c"}, specs)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, plan.Order)
}

func TestPlan_DependentsOf(t *testing.T) {
	specs := specSet(map[string][]string{
		"db":     nil,
		"server": {"db"},
		"worker": {"db"},
		"web":    {"server"},
	})
	plan, err := Resolve([]string{"db", "server", "worker", "web"}, specs)
	require.NoError(t, err)

	require.Equal(t, []string{"server", "worker"}, plan.DependentsOf("db", 0))
	require.Equal(t, []string{"web"}, plan.DependentsOf("server", 1))
	require.Empty(t, plan.DependentsOf("web", 2))
}

// Random DAGs: every dependency sits in an earlier level, and every service
// sits in the earliest level its dependencies allow.
func TestResolve_RandomDAGLevelsAreCoarsest(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		defs := map[string][]string{}
		names := make([]string, n)
		for i := 0; i < n; i++ {
			names[i] = fmt.Sprintf("svc%02d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, names[j])
				}
			}
			defs[names[i]] = deps
		}
		rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

		plan, err := Resolve(names, specSet(defs))
		require.NoError(t, err)
		require.Len(t, plan.Order, n)

		pos := map[string]int{}
		for i, name := range plan.Order {
			pos[name] = i
		}
		for name, deps := range defs {
			for _, dep := range deps {
				require.Less(t, pos[dep], pos[name], "%s before %s", dep, name)
			}
		}

		for name, deps := range defs {
			want := 0
			for _, dep := range deps {
				if l := plan.LevelOf(dep) + 1; l > want {
					want = l
				}
			}
			require.Equal(t, want, plan.LevelOf(name), "level of %s", name)
		}
	}
}
