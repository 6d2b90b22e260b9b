package ctl_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/internal/ctl"
)

func TestRender_SingleSection(t *testing.T) {
	out := ctl.Render("stats", []ctl.Section{{
		Name: "stats",
		Pairs: []ctl.KV{
			ctl.Int("clean", 3),
			ctl.Int64("dirty", 1),
			ctl.Uint64("sector", 42),
			ctl.Str("mode", "writeback"),
			ctl.Bool("enabled", true),
			ctl.Bool("disabled", false),
		},
	}})

	require.Equal(t, "stats: stats: clean=3 dirty=1 sector=42 mode=writeback enabled=1 disabled=0", out)
}

func TestRender_MultipleSectionsOnePerLine(t *testing.T) {
	out := ctl.Render("dump", []ctl.Section{
		{Name: "block", Pairs: []ctl.KV{ctl.Int("id", 1)}},
		{Name: "block", Pairs: []ctl.KV{ctl.Int("id", 2)}},
	})

	require.Equal(t, "dump: block: id=1\ndump: block: id=2", out)
}

func TestRender_EmptyPairs(t *testing.T) {
	out := ctl.Render("info", []ctl.Section{{Name: "info"}})

	require.Equal(t, "info: info:", out)
}
