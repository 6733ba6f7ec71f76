package jsonconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kernelConfig = `{
  // sing-box config
  "log": {"level": "info"},
  "experimental": {
    "clash_api": {
      "external_controller": "127.0.0.1:9090",
      "secret": "s3cret", // trailing comment
    }
  },
  "inbounds": [{"type": "mixed", "listen_port": 2080}]
}`

func writeConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(kernelConfig), 0o644))
	return p
}

func TestLoadAndGet(t *testing.T) {
	doc, err := Load(writeConfig(t))
	require.NoError(t, err)

	v, err := doc.Get("experimental", "clash_api", "secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = doc.Get("experimental", "missing", "secret")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Contains(t, err.Error(), "experimental.missing")

	_, err = doc.Get("log", "level", "deeper")
	require.ErrorIs(t, err, ErrNotObject)
}

func TestDecode(t *testing.T) {
	doc, err := Load(writeConfig(t))
	require.NoError(t, err)

	var api struct {
		Controller string `json:"external_controller"`
		Secret     string `json:"secret"`
	}
	require.NoError(t, doc.Decode([]string{"experimental", "clash_api"}, &api))
	assert.Equal(t, "127.0.0.1:9090", api.Controller)
	assert.Equal(t, "s3cret", api.Secret)

	var inbounds []struct {
		Type       string `json:"type"`
		ListenPort int    `json:"listen_port"`
	}
	require.NoError(t, doc.Decode([]string{"inbounds"}, &inbounds))
	require.Len(t, inbounds, 1)
	assert.Equal(t, "mixed", inbounds[0].Type)
	assert.Equal(t, 2080, inbounds[0].ListenPort)
}

func TestModifyOnlyExistingKeys(t *testing.T) {
	doc, err := Load(writeConfig(t))
	require.NoError(t, err)

	require.NoError(t, doc.Modify([]string{"log", "level"}, "debug"))
	v, _ := doc.Get("log", "level")
	assert.Equal(t, "debug", v)

	require.ErrorIs(t, doc.Modify([]string{"log", "output"}, "x"), ErrKeyNotFound)
	require.ErrorIs(t, doc.Modify([]string{"nope", "level"}, "x"), ErrKeyNotFound)
	require.ErrorIs(t, doc.Modify(nil, "x"), ErrEmptyPath)
	_, err = doc.Get("log", "output")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSetCreatesIntermediates(t *testing.T) {
	doc, err := Load(writeConfig(t))
	require.NoError(t, err)

	require.NoError(t, doc.Set([]string{"route", "rules", "final"}, "direct"))
	v, err := doc.Get("route", "rules", "final")
	require.NoError(t, err)
	assert.Equal(t, "direct", v)

	require.ErrorIs(t, doc.Set([]string{"log", "level", "x"}, 1), ErrNotObject)
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t)
	doc, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, doc.Set([]string{"experimental", "clash_api", "secret"}, "rotated"))
	require.NoError(t, doc.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw), "saved file must be strict JSON")
	assert.Contains(t, string(raw), "\n  \"experimental\"")
	assert.Contains(t, string(raw), `"listen_port": 2080`)

	again, err := Load(path)
	require.NoError(t, err)
	v, _ := again.Get("experimental", "clash_api", "secret")
	assert.Equal(t, "rotated", v)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestSaveKeepsFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := writeConfig(t)
	require.NoError(t, os.Chmod(path, 0o640))
	doc, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, doc.Save())
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())

	fresh := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, New(fresh, nil).Save())
	fi, err = os.Stat(fresh)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)

	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"a":`), 0o644))
	_, err = Load(p)
	require.Error(t, err)
}

func TestNewDocumentSave(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "config.json")
	doc := New(p, nil)
	require.NoError(t, doc.Set([]string{"log", "level"}, "warn"))
	require.NoError(t, doc.Save())
	loaded, err := Load(p)
	require.NoError(t, err)
	v, _ := loaded.Get("log", "level")
	assert.Equal(t, "warn", v)
}

func TestSplitPathAndParseValue(t *testing.T) {
	assert.Equal(t, []string{"experimental", "clash_api", "secret"}, SplitPath("experimental.clash_api.secret"))
	assert.Equal(t, []string{"a", "b"}, SplitPath(".a..b."))
	assert.Empty(t, SplitPath(""))

	assert.Equal(t, true, ParseValue("true"))
	assert.Equal(t, json.Number("9090"), ParseValue("9090"))
	assert.Equal(t, "plain text", ParseValue("plain text"))
	assert.Equal(t, map[string]any{"a": "b"}, ParseValue(`{"a":"b"}`))
	assert.Equal(t, "123abc", ParseValue("123abc"))
}
