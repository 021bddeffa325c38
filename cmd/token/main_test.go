package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3xpluto/tickgate/internal/mw"
)

func TestMintedTokenCarriesSender(t *testing.T) {
	tok, err := mint("dev-secret", "minter", time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	sub, err := mw.Authenticator{HMACSecret: []byte("dev-secret")}.ValidateBearer(req)
	if err != nil {
		t.Fatal(err)
	}
	if sub != "minter" {
		t.Fatalf("expected sender minter, got %q", sub)
	}
}

func TestMintRejectsEmptySender(t *testing.T) {
	if _, err := mint("s", "", time.Minute, time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
