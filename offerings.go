package purchases

// Package is a purchasable grouping inside an offering, joining a package
// identifier to its resolved store product.
type Package struct {
	Identifier         string
	OfferingIdentifier string
	StoreProduct       *StoreProduct
}

// Offering is a named collection of packages configured on the dashboard.
type Offering struct {
	Identifier        string
	ServerDescription string
	Packages          []*Package
}

// Package returns the package with the given identifier, or nil.
func (o *Offering) Package(identifier string) *Package {
	for _, pkg := range o.Packages {
		if pkg.Identifier == identifier {
			return pkg
		}
	}
	return nil
}

// Offerings is the catalog of offerings for the current user.
type Offerings struct {
	All               map[string]*Offering
	CurrentOfferingID string

	// LoadedFromDisk marks a catalog reconstructed from the disk cache after
	// a server-down backend failure.
	LoadedFromDisk bool
}

// Current returns the offering the dashboard marks as current, or nil.
func (o *Offerings) Current() *Offering {
	return o.All[o.CurrentOfferingID]
}

// Offering returns the offering with the given identifier, or nil.
func (o *Offerings) Offering(identifier string) *Offering {
	return o.All[identifier]
}

// OfferingsPayload is the backend offerings response. The same encoding is
// what the device cache persists, so a catalog can be rebuilt offline.
type OfferingsPayload struct {
	CurrentOfferingID string            `json:"current_offering_id"`
	Offerings         []OfferingPayload `json:"offerings"`
}

// OfferingPayload is one offering entry in the backend response.
type OfferingPayload struct {
	Identifier  string           `json:"identifier"`
	Description string           `json:"description"`
	Packages    []PackagePayload `json:"packages"`
}

// PackagePayload is one package entry in the backend response.
type PackagePayload struct {
	Identifier                string `json:"identifier"`
	PlatformProductIdentifier string `json:"platform_product_identifier"`
}

// ProductIdentifiers returns the distinct product identifiers referenced by
// the payload.
func (p *OfferingsPayload) ProductIdentifiers() []string {
	seen := make(map[string]bool)
	var identifiers []string
	for _, offering := range p.Offerings {
		for _, pkg := range offering.Packages {
			if pkg.PlatformProductIdentifier == "" || seen[pkg.PlatformProductIdentifier] {
				continue
			}
			seen[pkg.PlatformProductIdentifier] = true
			identifiers = append(identifiers, pkg.PlatformProductIdentifier)
		}
	}
	return identifiers
}
