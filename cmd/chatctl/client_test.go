package main

import (
	"context"
	"testing"

	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
)

func TestMintTokenProvesIdentityPerDial(t *testing.T) {
	testlog.Start(t)
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c := &client{cfg: defaultClientConfig(), self: self}

	token, err := c.mintToken(context.Background(), self.ID())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := (identity.ProofValidator{}).Validate(self.ID(), token); err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if _, err := c.mintToken(context.Background(), "someone-else"); err == nil {
		t.Fatalf("expected an error for a foreign identity")
	}

	c.cfg.AuthToken = "static-secret"
	token, err = c.mintToken(context.Background(), self.ID())
	if err != nil || token != "static-secret" {
		t.Fatalf("static token got=%q err=%v", token, err)
	}
}
