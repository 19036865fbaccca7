package api

// EnrollRequest is the JSON body for POST /enroll.
type EnrollRequest struct {
	CommonName   string   `json:"common_name"`
	DNSNames     []string `json:"dns_names,omitempty"`
	IPAddresses  []string `json:"ip_addresses,omitempty"`
	ValidityDays int      `json:"validity_days,omitempty"`
	PublicKeyPEM string   `json:"public_key_pem"`
}

// EnrollResponse is returned from POST /enroll.
type EnrollResponse struct {
	SerialNumber   string `json:"serial_number"`
	RequestID      string `json:"request_id"`
	CertificatePEM string `json:"certificate_pem"`
	NotBefore      string `json:"not_before"`
	NotAfter       string `json:"not_after"`
}

// RevokeRequest is the JSON body for POST /revoke/{serial}.
type RevokeRequest struct {
	Reason int `json:"reason"`
}

// SerialResponse carries one serial number in the space's radix.
type SerialResponse struct {
	Serial string `json:"serial"`
}

// SetRangeRequest is the JSON body for PUT /admin/{space}/range. Values are
// in the number space's radix.
type SetRangeRequest struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// SetManagementRequest is the JSON body for
// PUT /admin/{space}/serial-management.
type SetManagementRequest struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
