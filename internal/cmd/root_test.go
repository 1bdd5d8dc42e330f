package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func setPersistentFlag(t *testing.T, name, value string) {
	t.Helper()
	pf := rootCmd.PersistentFlags()
	f := pf.Lookup(name)
	require.NotNil(t, f, name)
	prev := f.Value.String()
	require.NoError(t, pf.Set(name, value))
	t.Cleanup(func() {
		_ = f.Value.Set(prev)
		f.Changed = false
	})
}

func TestFlagOverrides(t *testing.T) {
	t.Run("nothing changed", func(t *testing.T) {
		assert.Empty(t, flagOverrides(rootCmd))
	})

	t.Run("changed flags nest by section", func(t *testing.T) {
		setPersistentFlag(t, "region", "eu-west-1")
		setPersistentFlag(t, "endpoint", "http://localhost:5000")
		setPersistentFlag(t, "store", "/tmp/runs.db")

		got := flagOverrides(rootCmd)
		assert.Equal(t, map[string]any{
			"aws": map[string]any{
				"region":   "eu-west-1",
				"endpoint": "http://localhost:5000",
			},
			"store": map[string]any{"path": "/tmp/runs.db"},
		}, got)
	})
}

func TestFlagOverrides_FromSubcommand(t *testing.T) {
	setPersistentFlag(t, "profile", "batch-admin")

	sub, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NotSame(t, rootCmd, sub)

	assert.Equal(t, map[string]any{
		"aws": map[string]any{"profile": "batch-admin"},
	}, flagOverrides(sub))
}

func TestRootRuntimeHook(t *testing.T) {
	require.NotNil(t, rootCmd.PersistentPreRunE)
	for _, name := range []string{"run", "resume", "serve"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Same(t, rootCmd, c.Root(), name)
	}
}

func TestFlagKeysCoverPersistentFlags(t *testing.T) {
	for flag := range flagKeys {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"run", "resume", "runs", "bootscript", "metrics", "doctor", "serve", "version"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}
