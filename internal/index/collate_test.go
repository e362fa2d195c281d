package index_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/index"
)

func Test_NewCollator_Reports_Its_Locale(t *testing.T) {
	c := index.NewCollator("en_US")
	require.Equal(t, "en_US", c.Locale())
}

func Test_NewCollator_Falls_Back_On_Unparseable_Locale(t *testing.T) {
	c := index.NewCollator("not-a-real-locale-tag-xyz")
	require.NotNil(t, c)
	// falling back still produces a usable key, rather than panicking
	require.NotEmpty(t, c.Key(index.CollationPrimary, "abc"))
}

func Test_Collator_Primary_Strength_Ignores_Case(t *testing.T) {
	c := index.NewCollator("en_US")
	lower := c.Key(index.CollationPrimary, "abc")
	upper := c.Key(index.CollationPrimary, "ABC")
	require.True(t, bytes.Equal(lower, upper))
}

func Test_Collator_Identical_Strength_Distinguishes_Case(t *testing.T) {
	c := index.NewCollator("en_US")
	lower := c.Key(index.CollationIdentical, "abc")
	upper := c.Key(index.CollationIdentical, "ABC")
	require.False(t, bytes.Equal(lower, upper))
}

func Test_Collator_Orders_Strings_Alphabetically(t *testing.T) {
	c := index.NewCollator("en_US")
	a := c.Key(index.CollationPrimary, "apple")
	b := c.Key(index.CollationPrimary, "banana")
	require.True(t, bytes.Compare(a, b) < 0)
}
