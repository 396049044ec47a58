// Package legalname implements the X.500 distinguished names used to
// identify peers in the network. A LegalName is both the subject embedded
// in every certificate this node holds and the unit allow-lists are
// expressed in.
package legalname

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"strings"
)

// Parse/format errors.
var (
	ErrMissingOrganisation = errors.New("legal name requires an organisation")
	ErrMissingLocality     = errors.New("legal name requires a locality")
	ErrMissingCountry      = errors.New("legal name requires a country")
	ErrMalformedName       = errors.New("malformed legal name")
)

// Name is an X.500 distinguished name. Organisation, Locality and Country
// are mandatory; the rest are optional.
type Name struct {
	CommonName         string
	OrganisationalUnit string
	Organisation       string
	Locality           string
	State              string
	Country            string
}

// New validates and constructs a Name.
func New(organisation, locality, country string) (Name, error) {
	n := Name{Organisation: organisation, Locality: locality, Country: country}
	if err := n.Validate(); err != nil {
		return Name{}, err
	}
	return n, nil
}

// Validate checks that the mandatory fields are present.
func (n Name) Validate() error {
	if strings.TrimSpace(n.Organisation) == "" {
		return ErrMissingOrganisation
	}
	if strings.TrimSpace(n.Locality) == "" {
		return ErrMissingLocality
	}
	if strings.TrimSpace(n.Country) == "" {
		return ErrMissingCountry
	}
	return nil
}

// String renders the name as "CN, OU, O, L, ST, C" dropping empty fields,
// matching the conventional display order for compatibility-zone names.
func (n Name) String() string {
	parts := make([]string, 0, 6)
	if n.CommonName != "" {
		parts = append(parts, n.CommonName)
	}
	if n.OrganisationalUnit != "" {
		parts = append(parts, n.OrganisationalUnit)
	}
	parts = append(parts, n.Organisation)
	parts = append(parts, n.Locality)
	if n.State != "" {
		parts = append(parts, n.State)
	}
	parts = append(parts, n.Country)
	return strings.Join(parts, ", ")
}

// Equal reports whether two names denote the same identity.
func (n Name) Equal(other Name) bool {
	return n.CommonName == other.CommonName &&
		n.OrganisationalUnit == other.OrganisationalUnit &&
		n.Organisation == other.Organisation &&
		n.Locality == other.Locality &&
		n.State == other.State &&
		n.Country == other.Country
}

// ToPKIXName converts a Name to the pkix.Name used when building
// certificates and CSRs.
func (n Name) ToPKIXName() pkix.Name {
	p := pkix.Name{
		Organization: []string{n.Organisation},
		Locality:     []string{n.Locality},
		Country:      []string{n.Country},
	}
	if n.OrganisationalUnit != "" {
		p.OrganizationalUnit = []string{n.OrganisationalUnit}
	}
	if n.CommonName != "" {
		p.CommonName = n.CommonName
	}
	if n.State != "" {
		p.Province = []string{n.State}
	}
	return p
}

// FromPKIXName extracts a Name from a certificate's Subject or Issuer.
func FromPKIXName(p pkix.Name) (Name, error) {
	n := Name{CommonName: p.CommonName}
	if len(p.Organization) > 0 {
		n.Organisation = p.Organization[0]
	}
	if len(p.OrganizationalUnit) > 0 {
		n.OrganisationalUnit = p.OrganizationalUnit[0]
	}
	if len(p.Locality) > 0 {
		n.Locality = p.Locality[0]
	}
	if len(p.Province) > 0 {
		n.State = p.Province[0]
	}
	if len(p.Country) > 0 {
		n.Country = p.Country[0]
	}
	if err := n.Validate(); err != nil {
		return Name{}, fmt.Errorf("%w: %v", ErrMalformedName, err)
	}
	return n, nil
}

// AllowList is an optional set of legal names a peer channel will accept.
// A nil AllowList accepts any chain-valid peer; a non-nil empty AllowList
// rejects every peer.
type AllowList struct {
	names []Name
}

// NewAllowList builds an AllowList from a set of names. Passing no names
// produces a non-nil, empty list that rejects all peers — to accept any
// chain-valid peer, leave the AllowList pointer nil instead of calling this.
func NewAllowList(names ...Name) *AllowList {
	return &AllowList{names: names}
}

// Contains reports whether name is a member of the allow-list.
func (a *AllowList) Contains(name Name) bool {
	if a == nil {
		return true
	}
	for _, n := range a.names {
		if n.Equal(name) {
			return true
		}
	}
	return false
}

// Names returns the configured members, for diagnostics.
func (a *AllowList) Names() []Name {
	if a == nil {
		return nil
	}
	out := make([]Name, len(a.names))
	copy(out, a.names)
	return out
}
