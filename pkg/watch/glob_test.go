package watch

import (
	"testing"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/require"
)

func TestGlobToRegexp(t *testing.T) {
	cases := []struct {
		glob  string
		path  string
		match bool
	}{
		{"src/**/*.ts", "src/index.ts", true},
		{"src/**/*.ts", "src/api/routes/user.ts", true},
		{"src/**/*.ts", "src/api/user.tsx", false},
		{"src/**/*.ts", "lib/index.ts", false},
		{"src/**/*", "src/a/b/c.go", true},
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"schema.graphql", "schema.graphql", true},
		{"schema.graphql", "schemaxgraphql", false},
		{"src/?.ts", "src/a.ts", true},
		{"src/?.ts", "src/ab.ts", false},
		{"**/*.{ts,tsx}", "web/app.tsx", true},
		{"**/*.{ts,tsx}", "app.ts", true},
		{"**/*.{ts,tsx}", "app.js", false},
		{"migrations/[0-9]*.sql", "migrations/001_init.sql", true},
		{"migrations/[!0-9]*.sql", "migrations/001_init.sql", false},
	}
	for _, tc := range cases {
		re, err := GlobToRegexp(tc.glob)
		require.NoError(t, err, tc.glob)
		require.Equal(t, tc.match, re.MatchString(tc.path), "%s vs %s", tc.glob, tc.path)

		// the fallback must agree with the primary matcher
		ok, err := doublestar.Match(tc.glob, tc.path)
		require.NoError(t, err)
		require.Equal(t, ok, re.MatchString(tc.path), "doublestar disagrees on %s vs %s", tc.glob, tc.path)
	}
}

func TestGlobToRegexp_Invalid(t *testing.T) {
	_, err := GlobToRegexp("src/[abc")
	require.Error(t, err)
	_, err = GlobToRegexp("src/{a,b")
	require.Error(t, err)
}
