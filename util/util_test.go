package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestNormalizeInput(t *testing.T) {
	got := NormalizeInput("hello\n<world>")
	if strings.Contains(got, "\n") {
		t.Error("Newlines should be flattened")
	}
	if strings.Contains(got, "<") {
		t.Errorf("HTML should be escaped, got %q", got)
	}
}

func TestGetNameAndVersion(t *testing.T) {
	if !strings.HasPrefix(GetNameAndVersion(), Name+"/") {
		t.Errorf("Unexpected user agent %q", GetNameAndVersion())
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair := GeneratePemKeypair()

	block, _ := pem.Decode([]byte(pair.Private))
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatal("Private key is not a PKCS1 PEM block")
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Fatalf("Private key unparseable: %v", err)
	}

	block, _ = pem.Decode([]byte(pair.Public))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatal("Public key is not a PKIX PEM block")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Fatalf("Public key unparseable: %v", err)
	}
}

func TestDomainHelpers(t *testing.T) {
	c := &AppConfig{}
	c.Conf.Host = "0.0.0.0"
	c.Conf.Domains = []string{"quoll.example", "alt.example"}

	if c.Domain() != "quoll.example" {
		t.Errorf("Primary domain should be the first entry, got %q", c.Domain())
	}

	if !c.IsLocalDomain("quoll.example") || !c.IsLocalDomain("alt.example") {
		t.Error("Configured domains should be local")
	}
	if !c.IsLocalDomain("QUOLL.example") {
		t.Error("Domain matching should be case-insensitive")
	}
	if c.IsLocalDomain("misskey.example") {
		t.Error("Foreign domain reported local")
	}

	empty := &AppConfig{}
	empty.Conf.Host = "127.0.0.1"
	if empty.Domain() != "127.0.0.1" {
		t.Errorf("Empty domain set should fall back to host, got %q", empty.Domain())
	}
}
