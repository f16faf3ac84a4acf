package yamlwrapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testConf struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

func TestLoad(t *testing.T) {
	var c testConf
	err := Load([]byte("name: voice\ncount: 3\nentries: [a, b]\n"), &c)
	require.NoError(t, err)
	require.Equal(t, testConf{
		Name:    "voice",
		Count:   3,
		Entries: []string{"a", "b"},
	}, c)
}

func TestLoadEmpty(t *testing.T) {
	c := testConf{Name: "keep"}
	err := Load([]byte(""), &c)
	require.NoError(t, err)
	require.Equal(t, "keep", c.Name)
}

func TestLoadUnknownField(t *testing.T) {
	var c testConf
	err := Load([]byte("invalidKey: 5\n"), &c)
	require.Error(t, err)
}

func TestLoadIntegerKey(t *testing.T) {
	var c testConf
	err := Load([]byte("3: 5\n"), &c)
	require.Error(t, err)
}
