package keyvalidator

import (
	"encoding/xml"
	"fmt"
)

// document is the XML form of a validator. The type attribute selects the
// kind; only the settings element of that kind is read.
type document struct {
	XMLName xml.Name `xml:"keyValidator"`
	Type    Kind     `xml:"type,attr"`
	Version int      `xml:"version,attr"`
	Base
	RSASettings
	ECCSettings
	PQCSettings
	BlocklistSettings
}

const documentVersion = 1

// Encode serializes v to XML.
func Encode(v Validator) ([]byte, error) {
	doc := document{Version: documentVersion}
	switch t := v.(type) {
	case *RSAValidator:
		doc.Type, doc.Base, doc.RSASettings = KindRSA, t.Base, t.RSASettings
	case *ECCValidator:
		doc.Type, doc.Base, doc.ECCSettings = KindECC, t.Base, t.ECCSettings
	case *PQCValidator:
		doc.Type, doc.Base, doc.PQCSettings = KindPQC, t.Base, t.PQCSettings
	case *BlocklistValidator:
		doc.Type, doc.Base, doc.BlocklistSettings = KindBlocklist, t.Base, t.BlocklistSettings
	default:
		return nil, fmt.Errorf("unsupported key validator %T", v)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key validator %s: %w", doc.Name, err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Decode parses the XML form of a validator.
func Decode(data []byte) (Validator, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode key validator: %w", err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("unsupported key validator version %d", doc.Version)
	}

	v, err := newOfKind(doc.Type)
	if err != nil {
		return nil, err
	}
	doc.Base.Kind = doc.Type
	switch t := v.(type) {
	case *RSAValidator:
		t.Base, t.RSASettings = doc.Base, doc.RSASettings
	case *ECCValidator:
		t.Base, t.ECCSettings = doc.Base, doc.ECCSettings
	case *PQCValidator:
		t.Base, t.PQCSettings = doc.Base, doc.PQCSettings
	case *BlocklistValidator:
		t.Base, t.BlocklistSettings = doc.Base, doc.BlocklistSettings
	}
	b := v.Common()
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("invalid key validator %q: %w", doc.Name, err)
	}
	if b.FailedAction == "" {
		b.FailedAction = ActionAbort
	}
	return v, nil
}
