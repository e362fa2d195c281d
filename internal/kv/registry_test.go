package kv_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/kv"
	_ "github.com/nkrause/shardb/internal/kv/memkv"
)

func Test_New_Resolves_A_Registered_Engine_By_Name(t *testing.T) {
	e, err := kv.New("mem")
	require.NoError(t, err)
	require.NotNil(t, e)
}

func Test_New_Rejects_An_Unknown_Engine_Name(t *testing.T) {
	_, err := kv.New("does-not-exist")
	require.Error(t, err)
}

func Test_Names_Includes_Every_Registered_Engine(t *testing.T) {
	names := kv.Names()
	sort.Strings(names)
	require.Contains(t, names, "mem")
}
