package store

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDedupKeyFromID(t *testing.T) {
	assert.Equal(t, "evt_123", computeDedupKey([]byte(`{"id":"evt_123","type":"x"}`)))
}

func TestComputeDedupKeyFromHash(t *testing.T) {
	got := computeDedupKey([]byte(`{"notId":"x"}`))
	b, err := hex.DecodeString(got)
	require.NoError(t, err)
	assert.Len(t, b, 8)
}

func TestJSONList(t *testing.T) {
	assert.Equal(t, "[]", jsonList(nil))
	assert.Equal(t, "[]", jsonList([]string{}))
	assert.Equal(t, `["a","b"]`, jsonList([]string{"a", "b"}))
}

func TestJobColumnsFor(t *testing.T) {
	cols := jobColumnsFor("j.")
	assert.True(t, strings.HasPrefix(cols, "j.id, j.customer_id"))
	assert.Contains(t, cols, "COALESCE(j.provisional_driver_id,'')")
	assert.Len(t, strings.Split(cols, ", "), len(jobFields))
}

func TestParseList(t *testing.T) {
	got, err := parseList("driver d1 skills", []byte(`["stairs","piano"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"stairs", "piano"}, got)

	got, err = parseList("driver d1 skills", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseList("driver d1 skills", []byte(`{"stairs":true}`))
	assert.ErrorContains(t, err, "scan driver d1 skills")
}
