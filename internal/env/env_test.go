package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAndOverride(t *testing.T) {
	e := New()
	e.Add("A=1", "B=2", "bad", "=skip")
	e.Set("A", "3")
	e.Set("", "x")
	assert.Equal(t, []string{"A=3", "B=2"}, e.List())

	e.Unset("A")
	e.Unset("missing")
	assert.Equal(t, []string{"B=2"}, e.List())
}

func TestExpand(t *testing.T) {
	t.Setenv("KK_ENV_TEST_HOME", "/home/k")
	e := New()
	e.Add(
		"BASE=/opt",
		"BIN=${BASE}/bin",
		"DATA=${KK_ENV_TEST_HOME}/data",
		"KEEP=${KK_ENV_TEST_UNSET}",
		"LOOP=${LOOP}x",
		"PLAIN=$BASE",
		"OPEN=${BASE",
	)
	assert.Equal(t, []string{
		"BASE=/opt",
		"BIN=/opt/bin",
		"DATA=/home/k/data",
		"KEEP=${KK_ENV_TEST_UNSET}",
		"LOOP=${LOOP}xx",
		"PLAIN=$BASE",
		"OPEN=${BASE",
	}, e.List())
}

func TestParseFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "k.env")
	require.NoError(t, os.WriteFile(p, []byte("# kernel\nA=1\n\n B = two words \nnot-a-pair\n=x\nC=a=b\n"), 0o644))

	pairs, err := ParseFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two words", "C=a=b"}, pairs)

	e := New()
	require.NoError(t, e.LoadFile(p))
	assert.Len(t, e.List(), 3)

	require.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}
