package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://203.0.113.10/feed", false},
		{"public http", "http://198.51.100.7", false},
		{"bad scheme", "ftp://203.0.113.10", true},
		{"no host", "https://", true},
		{"not a url", "://broken", true},
		{"localhost name", "http://localhost:9000", true},
		{"loopback literal", "http://127.0.0.1:9000", true},
		{"private literal", "https://10.0.0.5", true},
		{"metadata ip", "http://169.254.169.254/latest", true},
		{"unspecified", "http://0.0.0.0", true},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpointURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
