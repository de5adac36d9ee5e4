package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/priorauth/migrations"
)

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	src := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{got[0].Version, got[1].Version, got[2].Version})
	assert.Equal(t, "001_first.sql", got[0].Name)
	assert.Equal(t, "SELECT 1;", got[0].SQL)
}

func TestLoadMigrations_SkipsUnversioned(t *testing.T) {
	src := fstest.MapFS{
		"001_core.sql":   {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"noprefix.sql":   {Data: []byte("SELECT 0;")},
		"abc_bad.sql":    {Data: []byte("SELECT 0;")},
		"sub/002_x.sql":  {Data: []byte("SELECT 2;")},
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Version)
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[0].Version)
	assert.Contains(t, got[0].SQL, "CREATE TABLE IF NOT EXISTS auth_request")
}

func TestPendingAndStatuses(t *testing.T) {
	all := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := map[int]time.Time{1: at}

	p := pending(all, done)
	require.Len(t, p, 1)
	assert.Equal(t, 2, p[0].Version)

	st := statuses(all, done)
	require.Len(t, st, 2)
	assert.True(t, st[0].Applied)
	require.NotNil(t, st[0].AppliedAt)
	assert.Equal(t, at, *st[0].AppliedAt)
	assert.False(t, st[1].Applied)
	assert.Nil(t, st[1].AppliedAt)
}
