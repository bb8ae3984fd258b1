package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public literal", "http://93.184.216.34/issue", false},
		{"bad scheme", "ftp://issuer.example.com", true},
		{"missing host", "https://", true},
		{"localhost blocked", "http://localhost:8080/issue", true},
		{"metadata host blocked", "http://metadata.google.internal/", true},
		{"loopback literal", "http://127.0.0.1/issue", true},
		{"private literal", "http://10.0.0.5/issue", true},
		{"link-local literal", "http://169.254.169.254/latest", true},
		{"unspecified literal", "http://0.0.0.0/", true},
		{"ipv6 loopback", "http://[::1]/issue", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
