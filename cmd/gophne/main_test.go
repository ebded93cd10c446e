package main

import (
	"testing"

	"github.com/gophne/gophne/internal/config"
)

func TestParseEndpointTCP(t *testing.T) {
	spec, err := parseEndpoint("tcp:127.0.0.1:9000")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if spec.Kind != config.EndpointTCP || spec.Host != "127.0.0.1" || spec.Port != 9000 {
		t.Fatalf("spec = %+v, want tcp 127.0.0.1:9000", spec)
	}
}

func TestParseEndpointUnix(t *testing.T) {
	spec, err := parseEndpoint("unix:/run/gophne.sock")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if spec.Kind != config.EndpointUnix || spec.UnixPath != "/run/gophne.sock" {
		t.Fatalf("spec = %+v, want unix /run/gophne.sock", spec)
	}
}

func TestParseEndpointFD(t *testing.T) {
	spec, err := parseEndpoint("fd:3")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if spec.Kind != config.EndpointFD || spec.FD != 3 {
		t.Fatalf("spec = %+v, want fd 3", spec)
	}
}

func TestParseEndpointTLS(t *testing.T) {
	spec, err := parseEndpoint("tls:0.0.0.0:8443:/etc/gophne/cert.pem:/etc/gophne/key.pem")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if spec.Kind != config.EndpointTCP || spec.Host != "0.0.0.0" || spec.Port != 8443 {
		t.Fatalf("spec = %+v, want tcp 0.0.0.0:8443", spec)
	}
	if spec.TLS == nil {
		t.Fatal("expected a TLS config to be attached")
	}
	if spec.TLS.CertFile != "/etc/gophne/cert.pem" || spec.TLS.KeyFile != "/etc/gophne/key.pem" {
		t.Fatalf("TLS = %+v, want cert/key pair from the descriptor", spec.TLS)
	}
}

func TestParseEndpointTLSMissingFieldsIsError(t *testing.T) {
	if _, err := parseEndpoint("tls:0.0.0.0:8443"); err == nil {
		t.Fatal("expected an error for a tls endpoint missing cert/key fields")
	}
}

func TestParseEndpointUnknownKindIsError(t *testing.T) {
	if _, err := parseEndpoint("sctp:0.0.0.0:8000"); err == nil {
		t.Fatal("expected an error for an unknown endpoint kind")
	}
}

func TestIsPluginPath(t *testing.T) {
	cases := map[string]bool{
		"myapp.so:app":  true,
		"mymodule:app":  false,
		"pkg/app.so:ws": true,
	}
	for pattern, want := range cases {
		if got := isPluginPath(pattern); got != want {
			t.Errorf("isPluginPath(%q) = %v, want %v", pattern, got, want)
		}
	}
}
