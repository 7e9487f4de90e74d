package worldmodel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T, opts ...Option) *Model {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "world-model.md"), opts...)
}

func TestModel_LoadInstantiatesTemplate(t *testing.T) {
	m := newTestModel(t)

	text, err := m.Load()
	require.NoError(t, err)
	assert.Contains(t, text, "# World Model")
	assert.Contains(t, text, "Last updated:")
	for _, s := range Sections {
		assert.Contains(t, text, "## "+s)
	}

	// Persisted, not just cached.
	_, err = os.Stat(m.path)
	require.NoError(t, err)
}

func TestModel_ReplaceExistingField(t *testing.T) {
	m := newTestModel(t)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, m.ApplyUpdates([]Update{
		{Action: ActionReplace, Section: "Current Task", Field: "Working on", Value: "X"},
	}))
	require.NoError(t, m.ApplyUpdates([]Update{
		{Action: ActionReplace, Section: "Current Task", Field: "Working on", Value: "Y"},
	}))

	text, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(text, "- Working on:"))
	assert.Contains(t, text, "- Working on: Y")
	assert.NotContains(t, text, "- Working on: X")
}

func TestModel_UnknownSectionSkipped(t *testing.T) {
	m := newTestModel(t)
	before, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, m.ApplyUpdates([]Update{
		{Action: ActionAdd, Section: "Nonexistent", Field: "f", Value: "v"},
	}))

	after, err := m.Load()
	require.NoError(t, err)
	assert.NotContains(t, after, "Nonexistent")
	assert.Equal(t, countFieldLines(before), countFieldLines(after))
}

func TestModel_RemoveIsIdempotent(t *testing.T) {
	var history []string
	m := newTestModel(t, WithHistory(func(section, field, value, reason string) {
		history = append(history, section+"/"+field+"="+value+" ("+reason+")")
	}))
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, m.ApplyUpdates([]Update{
		{Action: ActionAdd, Section: "Preferences & Patterns", Field: "Editor", Value: "vim"},
	}))

	remove := []Update{{Action: ActionRemove, Section: "Preferences & Patterns", Field: "Editor"}}
	require.NoError(t, m.ApplyUpdates(remove))
	first, err := m.Load()
	require.NoError(t, err)

	// Second remove of an absent field changes nothing but the timestamp.
	require.NoError(t, m.ApplyUpdates(remove))
	second, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, stripUpdated(first), stripUpdated(second))

	require.Len(t, history, 1)
	assert.Equal(t, "Preferences & Patterns/Editor=vim (removed)", history[0])
}

func TestModel_ReplaceIsIdempotent(t *testing.T) {
	m := newTestModel(t)
	_, err := m.Load()
	require.NoError(t, err)

	up := []Update{{Action: ActionReplace, Section: "Identity", Field: "Name", Value: "Sam"}}
	require.NoError(t, m.ApplyUpdates(up))
	first, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, m.ApplyUpdates(up))
	second, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, stripUpdated(first), stripUpdated(second))
}

func TestModel_ReplaceRecordsHistoryOnlyOnChange(t *testing.T) {
	var calls int
	m := newTestModel(t, WithHistory(func(_, _, _, _ string) { calls++ }))
	_, err := m.Load()
	require.NoError(t, err)

	up := func(v string) []Update {
		return []Update{{Action: ActionReplace, Section: "Current Task", Field: "Working on", Value: v}}
	}
	require.NoError(t, m.ApplyUpdates(up("X"))) // insert, nothing replaced
	require.NoError(t, m.ApplyUpdates(up("X"))) // same value, no history
	require.NoError(t, m.ApplyUpdates(up("Y"))) // replaced X
	assert.Equal(t, 1, calls)
}

func TestModel_SaveIsAtomicAndRewritesTimestamp(t *testing.T) {
	m := newTestModel(t)

	require.NoError(t, m.Save("# World Model\n\nLast updated: 2020-01-01T00:00:00Z\n\n## Identity\n"))

	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "2020-01-01")
	assert.Contains(t, string(data), "Last updated: ")

	// No tmp file left behind.
	_, err = os.Stat(m.path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestModel_SaveInsertsMissingTimestamp(t *testing.T) {
	m := newTestModel(t)

	// A hand-edited document may lose the header line; Save puts it back
	// after the title.
	require.NoError(t, m.Save("# World Model\n\n## Identity\n- Name: Kim\n"))

	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Greater(t, len(lines), 2)
	assert.Equal(t, "# World Model", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "Last updated: "), "got %q", lines[2])
	assert.Contains(t, string(data), "- Name: Kim")

	// Headless documents get the line prepended.
	require.NoError(t, m.Save("## Identity\n- Name: Kim\n"))
	data, err = os.ReadFile(m.path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Last updated: "))
}

func TestModel_ReplaceContent(t *testing.T) {
	m := newTestModel(t)
	custom := "# World Model\n\nLast updated: x\n\n## Identity\n- Name: Kim\n"
	require.NoError(t, m.ReplaceContent(custom))

	text, err := m.Load()
	require.NoError(t, err)
	assert.Contains(t, text, "- Name: Kim")
}

func countFieldLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "- ") {
			n++
		}
	}
	return n
}

func stripUpdated(text string) string {
	return updatedRe.ReplaceAllString(text, "")
}
