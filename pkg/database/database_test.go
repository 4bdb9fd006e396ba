package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_init.up.sql", "000001_init.down.sql", "000010_cells.up.sql", "000002_x.up.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}

	v, err := LatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestLatestVersion_Empty(t *testing.T) {
	_, err := LatestVersion(t.TempDir())
	assert.Error(t, err)
}

func TestLatestVersion_Repository(t *testing.T) {
	v, err := LatestVersion("../../db/pg")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 1)
}

type counters struct {
	Found int `json:"found"`
}

func TestJSONB_ScanAndValue(t *testing.T) {
	j := NewJSONB(counters{Found: 3})
	v, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"found":3}`, v)

	var out JSONB[counters]
	require.NoError(t, out.Scan([]byte(`{"found":5}`)))
	assert.Equal(t, 5, out.GetValue().Found)

	require.NoError(t, out.Scan(`{"found":6}`))
	assert.Equal(t, 6, out.GetValue().Found)

	require.NoError(t, out.Scan(nil))
	assert.Equal(t, 0, out.GetValue().Found)

	assert.Error(t, out.Scan(42))
}

func TestInsertBuilder_OnConflict(t *testing.T) {
	ib := NewInsertBuilder()
	ib.InsertInto("listings").Cols("external_id", "price").Values("a1", 10)
	ub := ib.OnConflict("external_id")
	ub.Set(ub.Assign("price", Excluded("price")))

	query, args := ib.Build()
	assert.Contains(t, query, "INSERT INTO listings (external_id, price) VALUES ($1, $2)")
	assert.Contains(t, query, "ON CONFLICT (external_id) DO UPDATE")
	assert.Contains(t, query, "price = EXCLUDED.price")
	assert.Equal(t, []any{"a1", 10}, args)
}

func TestInsertBuilder_OnConflictDoNothing(t *testing.T) {
	ib := NewInsertBuilder()
	ib.InsertInto("bargain_detections").Cols("listing_id").Values("x")
	ib.OnConflictDoNothing("listing_id", "detection_type")

	query, _ := ib.Build()
	assert.Contains(t, query, "ON CONFLICT (listing_id, detection_type) DO NOTHING")
}
