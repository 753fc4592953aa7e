package model

// AddressFacets holds the optional place-name fields produced by one
// reverse geocode lookup. Absent facets are empty strings; a present facet
// is never empty.
type AddressFacets struct {
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	County       string `json:"county,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
}

// Empty reports whether no facet resolved at all.
func (f AddressFacets) Empty() bool {
	return f.Neighborhood == "" && f.City == "" && f.County == "" &&
		f.State == "" && f.PostalCode == ""
}
