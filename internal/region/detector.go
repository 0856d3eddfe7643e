package region

import (
	"net"
	"net/http"
	"strings"
)

// DefaultCountryHeader is set by Cloudflare and most CDN edges.
const DefaultCountryHeader = "CF-IPCountry"

// Detector resolves the region of an incoming connection.
type Detector interface {
	DetectRegion(r *http.Request) Region
}

var countryToRegion = map[string]Region{
	"US": NorthAmerica, "CA": NorthAmerica, "MX": NorthAmerica,

	"BR": SouthAmerica, "AR": SouthAmerica, "CL": SouthAmerica, "CO": SouthAmerica,
	"PE": SouthAmerica, "VE": SouthAmerica, "EC": SouthAmerica, "BO": SouthAmerica,
	"PY": SouthAmerica, "UY": SouthAmerica,

	"GB": Europe, "DE": Europe, "FR": Europe, "ES": Europe, "IT": Europe,
	"NL": Europe, "BE": Europe, "PT": Europe, "SE": Europe, "NO": Europe,
	"DK": Europe, "FI": Europe, "PL": Europe, "RO": Europe, "GR": Europe,
	"CZ": Europe, "HU": Europe, "AT": Europe, "CH": Europe, "IE": Europe,

	"CN": Asia, "JP": Asia, "IN": Asia, "KR": Asia, "SG": Asia, "TH": Asia,
	"VN": Asia, "MY": Asia, "PH": Asia, "ID": Asia, "PK": Asia, "BD": Asia,
	"TR": Asia, "SA": Asia, "AE": Asia, "IL": Asia,

	"ZA": Africa, "EG": Africa, "NG": Africa, "KE": Africa, "MA": Africa,
	"TN": Africa, "GH": Africa, "ET": Africa,

	"AU": Oceania, "NZ": Oceania,
}

// FromCountry maps an ISO 3166-1 alpha-2 code to its region, or Any.
func FromCountry(code string) Region {
	if r, ok := countryToRegion[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return r
	}
	return Any
}

// HeaderDetector derives the region from a country code header populated by
// the edge proxy. Connections from private or loopback addresses resolve to
// Any. A valid "region" query parameter takes precedence.
type HeaderDetector struct {
	CountryHeader string
}

// NewHeaderDetector returns a detector reading the given header, or
// DefaultCountryHeader when header is empty.
func NewHeaderDetector(header string) *HeaderDetector {
	if header == "" {
		header = DefaultCountryHeader
	}
	return &HeaderDetector{CountryHeader: header}
}

// DetectRegion implements Detector.
func (d *HeaderDetector) DetectRegion(r *http.Request) Region {
	if q := Region(r.URL.Query().Get("region")); q != "" && Valid(q) {
		return q
	}
	if IsLocalIP(ClientIP(r)) {
		return Any
	}
	return FromCountry(r.Header.Get(d.CountryHeader))
}

// ClientIP extracts the caller's address: first X-Forwarded-For entry, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsLocalIP reports whether addr is empty, loopback, private or link-local.
func IsLocalIP(addr string) bool {
	if addr == "" {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
