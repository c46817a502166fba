package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Service types and fragment ids that mark an atproto PDS binding.
const (
	ServiceTypePDS   = "AtprotoPersonalDataServer"
	ServiceIDPDS     = "#atproto_pds"
	serviceSuffixPDS = "atproto_pds"
)

// Document is the subset of a DID document this client reads.
type Document struct {
	ID          string    `json:"id"`
	AlsoKnownAs []string  `json:"alsoKnownAs,omitempty"`
	Service     []Service `json:"service,omitempty"`
}

// Service describes a service entry in a DID document.
type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	ServiceEndpoint Endpoint `json:"serviceEndpoint"`
}

// EndpointKind tags which shape a serviceEndpoint value arrived in.
type EndpointKind int

const (
	EndpointAbsent EndpointKind = iota
	EndpointString
	EndpointObject
)

// Endpoint is a serviceEndpoint value. DID documents carry it either as a
// bare URL string or as an object with a "uri" member; both collapse to
// URI here so callers never re-inspect the raw JSON.
type Endpoint struct {
	Kind EndpointKind
	URI  string
}

// UnmarshalJSON accepts a string, an object with a uri field, or null.
// Any other shape decodes to an absent endpoint rather than failing the
// whole document.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	*e = Endpoint{}

	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("identity: decode serviceEndpoint: %w", err)
		}
		*e = Endpoint{Kind: EndpointString, URI: s}
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("identity: decode serviceEndpoint: %w", err)
		}
		if obj.URI != "" {
			*e = Endpoint{Kind: EndpointObject, URI: obj.URI}
		}
	}
	return nil
}

// MarshalJSON writes the endpoint back in the shape it was read.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EndpointString:
		return json.Marshal(e.URI)
	case EndpointObject:
		return json.Marshal(map[string]string{"uri": e.URI})
	}
	return []byte("null"), nil
}

// MatchPolicy selects how loosely a service id is compared. did:web
// documents are held to the exact fragment; directory documents also
// accept fully qualified ids ending in atproto_pds.
type MatchPolicy int

const (
	MatchExactID MatchPolicy = iota
	MatchIDSuffix
)

// PDSEndpoint returns the first service endpoint that identifies an atproto
// PDS, or "" when the document has none.
func (d *Document) PDSEndpoint(policy MatchPolicy) string {
	if d == nil {
		return ""
	}
	for _, svc := range d.Service {
		if !svc.isPDS(policy) {
			continue
		}
		if svc.ServiceEndpoint.URI != "" {
			return svc.ServiceEndpoint.URI
		}
	}
	return ""
}

func (s Service) isPDS(policy MatchPolicy) bool {
	if s.Type == ServiceTypePDS || s.ID == ServiceIDPDS {
		return true
	}
	return policy == MatchIDSuffix && strings.HasSuffix(s.ID, serviceSuffixPDS)
}

// DeclaredHandle returns the first at:// alias in alsoKnownAs, without the
// scheme, or "" when none is declared.
func (d *Document) DeclaredHandle() string {
	if d == nil {
		return ""
	}
	for _, aka := range d.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok && h != "" {
			return h
		}
	}
	return ""
}
