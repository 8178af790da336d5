package ldap

import (
	"slices"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Control and extended operation OIDs.
const (
	OIDPagedResults      = ldap.ControlTypePaging
	OIDServerSideSorting = ldap.ControlTypeServerSideSorting
	OIDVirtualListView   = ldap.ControlTypeVLVRequest
	OIDTxnStart          = "1.3.6.1.1.21.1"
	OIDTxnSpecification  = "1.3.6.1.1.21.2"
	OIDTxnEnd            = "1.3.6.1.1.21.3"
	OIDTxnAbortedNotice  = "1.3.6.1.1.21.4"
	OIDWhoAmI            = "1.3.6.1.4.1.4203.1.11.3"
)

var rootDSEAttributes = []string{
	"namingContexts",
	"defaultNamingContext",
	"subschemaSubentry",
	"supportedControl",
	"supportedExtension",
	"supportedFeatures",
	"supportedSASLMechanisms",
	"supportedLDAPVersion",
	"vendorName",
	"vendorVersion",
}

// RootDSE is the parsed root DSE entry of a server.
type RootDSE struct {
	NamingContexts          []string
	DefaultNamingContext    string
	SubschemaSubentry       string
	VendorName              string
	VendorVersion           string
	SupportedControls       []string
	SupportedExtensions     []string
	SupportedFeatures       []string
	SupportedSASLMechanisms []string
	SupportedLDAPVersions   []int
}

// ParseRootDSE reads the root DSE attributes from entry.
func ParseRootDSE(entry *ldap.Entry) *RootDSE {
	if entry == nil {
		return &RootDSE{}
	}
	dse := &RootDSE{
		NamingContexts:          entry.GetEqualFoldAttributeValues("namingContexts"),
		DefaultNamingContext:    entry.GetEqualFoldAttributeValue("defaultNamingContext"),
		SubschemaSubentry:       entry.GetEqualFoldAttributeValue("subschemaSubentry"),
		VendorName:              entry.GetEqualFoldAttributeValue("vendorName"),
		VendorVersion:           entry.GetEqualFoldAttributeValue("vendorVersion"),
		SupportedControls:       entry.GetEqualFoldAttributeValues("supportedControl"),
		SupportedExtensions:     entry.GetEqualFoldAttributeValues("supportedExtension"),
		SupportedFeatures:       entry.GetEqualFoldAttributeValues("supportedFeatures"),
		SupportedSASLMechanisms: entry.GetEqualFoldAttributeValues("supportedSASLMechanisms"),
	}
	for _, v := range entry.GetEqualFoldAttributeValues("supportedLDAPVersion") {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			dse.SupportedLDAPVersions = append(dse.SupportedLDAPVersions, n)
		}
	}
	if dse.DefaultNamingContext == "" && len(dse.NamingContexts) > 0 {
		dse.DefaultNamingContext = dse.NamingContexts[0]
	}
	return dse
}

// SupportsControl reports whether oid is listed in supportedControl.
func (d *RootDSE) SupportsControl(oid string) bool {
	return d != nil && slices.Contains(d.SupportedControls, oid)
}

// SupportsExtension reports whether oid is listed in supportedExtension.
func (d *RootDSE) SupportsExtension(oid string) bool {
	return d != nil && slices.Contains(d.SupportedExtensions, oid)
}

// SupportsFeature reports whether oid is listed in supportedFeatures.
func (d *RootDSE) SupportsFeature(oid string) bool {
	return d != nil && slices.Contains(d.SupportedFeatures, oid)
}

// ServerCapabilities summarizes what the planner and coordinator may rely on.
type ServerCapabilities struct {
	// SortAndWindow is set when both server-side sorting and VLV are available.
	SortAndWindow bool
	SimplePaging  bool
	Transactions  bool
	RootDSE       *RootDSE
}

// CapabilitiesFromRootDSE derives capabilities from a parsed root DSE.
func CapabilitiesFromRootDSE(dse *RootDSE) ServerCapabilities {
	return ServerCapabilities{
		SortAndWindow: dse.SupportsControl(OIDServerSideSorting) && dse.SupportsControl(OIDVirtualListView),
		SimplePaging:  dse.SupportsControl(OIDPagedResults),
		Transactions:  dse.SupportsExtension(OIDTxnStart) && dse.SupportsExtension(OIDTxnEnd),
		RootDSE:       dse,
	}
}

func rootDSESearchRequest() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 10, false,
		DefaultBaseFilter,
		rootDSEAttributes,
		nil,
	)
}

// fetchRootDSE reads the root DSE over conn.
func fetchRootDSE(conn ldap.Client) (*RootDSE, error) {
	result, err := conn.Search(rootDSESearchRequest())
	if err != nil {
		return nil, err
	}
	if len(result.Entries) == 0 {
		return &RootDSE{}, nil
	}
	return ParseRootDSE(result.Entries[0]), nil
}

// capabilities returns the cached capabilities of the connection, probing
// the root DSE on first use. Failed probes are not cached.
func (pc *PooledConnection) capabilities() (ServerCapabilities, error) {
	pc.capsMu.Lock()
	defer pc.capsMu.Unlock()

	if pc.caps != nil {
		return *pc.caps, nil
	}
	dse, err := fetchRootDSE(pc.conn)
	if err != nil {
		return ServerCapabilities{}, err
	}
	caps := CapabilitiesFromRootDSE(dse)
	pc.caps = &caps
	return caps, nil
}
