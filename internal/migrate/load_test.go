package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersBySequence(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0010_indexes.sql": {Data: []byte("CREATE INDEX x ON jobs (asset);")},
		"m/0002_reports.sql": {Data: []byte("CREATE TABLE research_reports ();")},
		"m/0001_jobs.sql":    {Data: []byte("CREATE TABLE jobs ();")},
		"m/README.md":        {Data: []byte("ignored")},
	}

	got, err := load(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"0001_jobs", "0002_reports", "0010_indexes"},
		[]string{got[0].version, got[1].version, got[2].version})
	assert.Equal(t, "CREATE TABLE jobs ();", got[0].body)
}

func TestLoad_RejectsBadNames(t *testing.T) {
	_, err := load(fstest.MapFS{"m/jobs.sql": {Data: []byte("")}}, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_description.sql")

	_, err = load(fstest.MapFS{
		"m/0001_jobs.sql":  {Data: []byte("")},
		"m/01_reports.sql": {Data: []byte("")},
	}, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share sequence 1")
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := load(embedded, "migrations")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0001_jobs", got[0].version)
	assert.Equal(t, "0002_research_reports", got[1].version)
}

func TestPending_SkipsApplied(t *testing.T) {
	all := []migration{{seq: 1, version: "0001_jobs"}, {seq: 2, version: "0002_research_reports"}}

	left := pending(all, map[string]bool{"0001_jobs": true})
	require.Len(t, left, 1)
	assert.Equal(t, "0002_research_reports", left[0].version)
	assert.Len(t, all, 2, "input slice is not modified")
}
