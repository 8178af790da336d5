package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// newTxnStartRequest builds the RFC 5805 start transaction request; it has
// no request value.
func newTxnStartRequest() *ldap.ExtendedRequest {
	return ldap.NewExtendedRequest(OIDTxnStart, nil)
}

// newTxnEndRequest builds the end transaction request:
//
//	txnEndReq ::= SEQUENCE {
//		commit         BOOLEAN DEFAULT TRUE,
//		identifier     OCTET STRING }
func newTxnEndRequest(id []byte, commit bool) *ldap.ExtendedRequest {
	value := ber.Encode(ber.ClassContext, ber.TypePrimitive, 1, nil, "Extended Request Value: Txn End")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "txnEndReq")
	if !commit {
		seq.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, false, "commit"))
	}
	seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(id), "identifier"))
	value.AppendChild(seq)
	return ldap.NewExtendedRequest(OIDTxnEnd, value)
}

// txnEndResponse is the decoded txnEndRes value.
type txnEndResponse struct {
	// MessageID identifies the update that failed, when present.
	MessageID    int64
	HasMessageID bool
	// UpdatesControls counts the per-update response control sets.
	UpdatesControls int
}

// decodeTxnEndResponse parses
//
//	txnEndRes ::= SEQUENCE {
//		messageID      MessageID OPTIONAL,
//		updatesControls SEQUENCE OF updateControls SEQUENCE {
//			messageID  MessageID,
//			controls   Controls } OPTIONAL }
//
// An empty value decodes to the zero response.
func decodeTxnEndResponse(raw []byte) (txnEndResponse, error) {
	var out txnEndResponse
	if len(raw) == 0 {
		return out, nil
	}
	packet, err := ber.DecodePacketErr(raw)
	if err != nil {
		return out, fmt.Errorf("decode txnEndRes: %w", err)
	}
	if packet.ClassType != ber.ClassUniversal || packet.Tag != ber.TagSequence {
		return out, fmt.Errorf("decode txnEndRes: expected SEQUENCE, got tag %d", packet.Tag)
	}
	for _, child := range packet.Children {
		switch {
		case child.ClassType == ber.ClassUniversal && child.Tag == ber.TagInteger:
			id, ok := child.Value.(int64)
			if !ok {
				return out, fmt.Errorf("decode txnEndRes: messageID is %T", child.Value)
			}
			out.MessageID = id
			out.HasMessageID = true
		case child.ClassType == ber.ClassUniversal && child.Tag == ber.TagSequence:
			out.UpdatesControls = len(child.Children)
		}
	}
	return out, nil
}
