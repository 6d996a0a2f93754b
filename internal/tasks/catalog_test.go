package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, id := range []string{"qa", "research", "article", "draft-article", "course-outline"} {
		task, ok := c.Task(id)
		require.True(t, ok, id)
		assert.NotEmpty(t, task.BasePrompt, id)
		assert.NotEmpty(t, task.DefaultTitle, id)
	}
	for _, id := range []string{"wikipedia", "cultural_sensitivity", "clarity", "structure"} {
		a, ok := c.Analysis(id)
		require.True(t, ok, id)
		assert.NotEmpty(t, a.Prompt, id)
	}

	_, ok := c.Task(AnalyzeTask)
	assert.False(t, ok)
}

func TestParseRejectsBadCatalogues(t *testing.T) {
	tests := map[string]string{
		"no tasks":           "analysis_types: []\n",
		"empty task id":      "tasks:\n  - name: x\n",
		"duplicate task":     "tasks:\n  - id: a\n  - id: a\n",
		"reserved task":      "tasks:\n  - id: analyze\n",
		"duplicate analysis": "tasks:\n  - id: a\nanalysis_types:\n  - id: x\n  - id: x\n",
		"not yaml":           "tasks: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	doc := "tasks:\n  - id: memo\n    name: Memo\n    base_prompt: Write a memo.\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	task, ok := c.Task("memo")
	require.True(t, ok)
	assert.Equal(t, "Write a memo.", task.BasePrompt)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	_, ok = c.Task("draft-article")
	assert.True(t, ok)
}
