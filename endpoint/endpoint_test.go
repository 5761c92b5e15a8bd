package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	e, err := Parse("example.com", 80)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Authority: "example.com:80", Weight: DefaultWeight}, e)

	e, err = Parse("example.com:9090", 80)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Authority: "example.com:9090", Weight: DefaultWeight}, e)

	e, err = Parse("example.com:9090:500", 80)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Authority: "example.com:9090", Weight: 500}, e)

	_, err = Parse("example.com:bad", 80)
	assert.Error(t, err)
}

func TestSortStableByAuthorityThenWeight(t *testing.T) {
	in := []Endpoint{
		{Authority: "b:80", Weight: 100},
		{Authority: "a:80", Weight: 200},
		{Authority: "a:80", Weight: 100},
	}
	out := Sorted(in)
	want := []Endpoint{
		{Authority: "a:80", Weight: 100},
		{Authority: "a:80", Weight: 200},
		{Authority: "b:80", Weight: 100},
	}
	assert.Equal(t, want, out)
}
