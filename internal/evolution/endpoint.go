// Package evolution talks to the Evolution API messaging gateway: it derives
// per-instance endpoints from user-supplied URLs, fetches pairing QR codes,
// and verifies API credentials.
package evolution

import "strings"

// DeriveQREndpoint maps a user-supplied instance URL to the gateway's
// QR-code endpoint.
//
// The last non-empty path segment is the instance identifier; the base is
// the input with the trailing "/<identifier>" stripped. The derivation is
// deliberately plain string surgery with no URL validation: a malformed
// input produces an endpoint that fails at fetch time instead of being
// rejected here, matching the gateway's permissive contract. An input with
// no separator at all is treated as a bare identifier and left unchanged as
// the base.
//
//	"https://host/instances/abc123" -> "https://host/instances/instance/abc123/qrcode"
func DeriveQREndpoint(instanceURL string) (string, error) {
	identifier := ""
	for _, segment := range strings.Split(instanceURL, "/") {
		if segment != "" {
			identifier = segment
		}
	}
	if identifier == "" {
		return "", NewError(KindInvalidURL, "instance URL has no identifier segment", nil)
	}

	base := instanceURL
	if idx := strings.LastIndex(instanceURL, "/"+identifier); idx >= 0 {
		base = instanceURL[:idx]
	}

	return base + "/instance/" + identifier + "/qrcode", nil
}
