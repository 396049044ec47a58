package legalname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesMandatoryFields(t *testing.T) {
	_, err := New("", "London", "GB")
	require.ErrorIs(t, err, ErrMissingOrganisation)

	_, err = New("Alice Corp", "", "GB")
	require.ErrorIs(t, err, ErrMissingLocality)

	_, err = New("Alice Corp", "London", "")
	require.ErrorIs(t, err, ErrMissingCountry)

	n, err := New("Alice Corp", "London", "GB")
	require.NoError(t, err)
	require.Equal(t, "Alice Corp, London, GB", n.String())
}

func TestPKIXRoundTrip(t *testing.T) {
	n, err := New("Alice Corp", "London", "GB")
	require.NoError(t, err)
	n.CommonName = "alice"
	n.OrganisationalUnit = "engineering"

	p := n.ToPKIXName()
	back, err := FromPKIXName(p)
	require.NoError(t, err)
	require.True(t, n.Equal(back))
}

func TestFromPKIXNameRejectsIncomplete(t *testing.T) {
	n, err := New("x", "y", "z")
	require.NoError(t, err)
	p := n.ToPKIXName()
	p.Country = nil
	_, err = FromPKIXName(p)
	require.ErrorIs(t, err, ErrMalformedName)
}

func TestAllowList(t *testing.T) {
	alice, _ := New("Alice Corp", "London", "GB")
	bob, _ := New("Bob Corp", "Paris", "FR")
	charlie, _ := New("Charlie Corp", "Berlin", "DE")

	var nilList *AllowList
	require.True(t, nilList.Contains(alice), "nil allow-list accepts any peer")

	list := NewAllowList(alice, bob)
	require.True(t, list.Contains(alice))
	require.True(t, list.Contains(bob))
	require.False(t, list.Contains(charlie))

	empty := NewAllowList()
	require.False(t, empty.Contains(alice), "empty allow-list rejects every peer")
}
