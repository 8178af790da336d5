package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// ControlVLVRequest is the virtual list view request control
// (draft-ietf-ldapext-ldapv3-vlv), targeting by offset:
//
//	VirtualListViewRequest ::= SEQUENCE {
//		beforeCount  INTEGER,
//		afterCount   INTEGER,
//		byOffset     [0] SEQUENCE {
//			offset       INTEGER,
//			contentCount INTEGER } }
type ControlVLVRequest struct {
	BeforeCount  int64
	AfterCount   int64
	Offset       int64
	ContentCount int64
	Criticality  bool
}

// NewControlVLVRequest builds a window starting at the zero-based offset.
// A non-positive limit requests every remaining entry, bounded by unbounded.
func NewControlVLVRequest(offset, limit int, unbounded int64) *ControlVLVRequest {
	after := unbounded
	if limit > 0 {
		after = int64(limit - 1)
	}
	return &ControlVLVRequest{
		BeforeCount: 0,
		AfterCount:  after,
		Offset:      int64(offset) + 1,
	}
}

// GetControlType returns the VLV request OID.
func (c *ControlVLVRequest) GetControlType() string {
	return ldap.ControlTypeVLVRequest
}

// Encode builds the control with a byOffset target.
func (c *ControlVLVRequest) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ldap.ControlTypeVLVRequest, "Control Type (VLV Request)"))
	if c.Criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	}

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (VLV Request)")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "VirtualListViewRequest")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.BeforeCount, "beforeCount"))
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.AfterCount, "afterCount"))

	byOffset := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "byOffset")
	byOffset.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.Offset, "offset"))
	byOffset.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.ContentCount, "contentCount"))
	seq.AppendChild(byOffset)

	value.AppendChild(seq)
	packet.AppendChild(value)
	return packet
}

func (c *ControlVLVRequest) String() string {
	return fmt.Sprintf(
		"Control Type: VLV Request (%q)  Criticality: %t  Before: %d  After: %d  Offset: %d  ContentCount: %d",
		ldap.ControlTypeVLVRequest,
		c.Criticality,
		c.BeforeCount,
		c.AfterCount,
		c.Offset,
		c.ContentCount)
}

// newSortControl builds a server-side sorting control with one key per rule.
func newSortControl(rules []OrderingRule) *ldap.ControlServerSideSorting {
	keys := make([]*ldap.SortKey, 0, len(rules))
	for _, r := range rules {
		rule := r.MatchingRule
		if rule == "" {
			rule = DefaultOrderingRule
		}
		keys = append(keys, &ldap.SortKey{
			AttributeType: r.Attribute,
			MatchingRule:  rule,
			Reverse:       r.Descending,
		})
	}
	return ldap.NewControlServerSideSortingWithSortKeys(keys)
}

// NewTxnSpecificationControl builds the critical RFC 5805 transaction
// specification control carrying id.
func NewTxnSpecificationControl(id []byte) *ldap.ControlString {
	return ldap.NewControlString(OIDTxnSpecification, true, string(id))
}

// extendedResponseValue returns the responseValue of resp. When the server
// omits responseName, go-ldap decodes the value into Name instead.
func extendedResponseValue(resp *ldap.ExtendedResponse) []byte {
	if resp == nil {
		return nil
	}
	if resp.Value != nil {
		if resp.Value.Data != nil && resp.Value.Data.Len() > 0 {
			return resp.Value.Data.Bytes()
		}
		if b, ok := resp.Value.Value.([]byte); ok {
			return b
		}
		if s, ok := resp.Value.Value.(string); ok {
			return []byte(s)
		}
		return nil
	}
	if resp.Name == "" || isNumericOID(resp.Name) {
		return nil
	}
	return []byte(resp.Name)
}

func isNumericOID(s string) bool {
	dots := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '.':
			dots++
		case s[i] < '0' || s[i] > '9':
			return false
		}
	}
	return dots > 0
}
