package activitypub

import (
	"net/url"
)

// ASDict is a raw ActivityStreams document as parsed from the wire.
type ASDict = map[string]interface{}

const (
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	PublicAddress     = "https://www.w3.org/ns/activitystreams#Public"

	// internalField carries engine-only lifecycle state inside a
	// document. It is stripped from every outgoing copy.
	internalField = "quollInternal"
)

// getID returns the id of a reference that is either a bare IRI string
// or an embedded document carrying an "id" key.
func getID(v interface{}) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]interface{}:
		if id, ok := ref["id"].(string); ok {
			return id
		}
	}
	return ""
}

func docString(doc ASDict, key string) string {
	s, _ := doc[key].(string)
	return s
}

// hostOf extracts the hostname of an IRI, empty on parse failure.
func hostOf(iri string) string {
	parsed, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// internalStatus reads the engine-only status tag of a document.
func internalStatus(doc ASDict) string {
	internal, ok := doc[internalField].(map[string]interface{})
	if !ok {
		return ""
	}
	status, _ := internal["status"].(string)
	return status
}

func setInternalStatus(doc ASDict, status string) {
	doc[internalField] = map[string]interface{}{"status": status}
}

// sanitizeOutgoing returns a shallow copy of doc ready for the wire:
// internal fields stripped and a @context set carrying the
// ActivityStreams namespace, plus the security vocabulary whenever a
// publicKey is present.
func sanitizeOutgoing(doc ASDict) ASDict {
	out := make(ASDict, len(doc))
	for k, v := range doc {
		if k == internalField {
			continue
		}
		out[k] = v
	}

	if _, ok := out["publicKey"]; ok {
		out["@context"] = []interface{}{ActivityStreamsNS, SecurityNS}
	} else if _, ok := out["@context"]; !ok {
		out["@context"] = ActivityStreamsNS
	}
	return out
}

// stringSlice coerces a to/cc/bcc style field into a list of IRIs.
func stringSlice(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	}
	return nil
}
