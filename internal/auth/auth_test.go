package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate("alice", tc.input)
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).AnErr("result", err).Msg("auth/static-token")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTokenTablePerIdentity(t *testing.T) {
	testlog.Start(t)
	table := TokenTable{"alice": "a-secret", "bob": "b-secret"}
	if err := table.Validate("alice", "a-secret"); err != nil {
		t.Fatalf("alice rejected: %v", err)
	}
	if err := table.Validate("alice", "b-secret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-identity token accepted")
	}
	if err := table.Validate("carol", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown identity accepted")
	}
}

func TestFuncValidatorAndAny(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(identity, token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("alice", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}

	chain := Any{StaticToken{Token: "shared"}, validator}
	if err := chain.Validate("alice", "ok"); err != nil {
		t.Fatalf("chain should accept func validator: %v", err)
	}
	if err := chain.Validate("alice", "shared"); err != nil {
		t.Fatalf("chain should accept static token: %v", err)
	}
	if err := chain.Validate("alice", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("chain accepted unknown token")
	}
}

func TestOpenRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	if err := (Open{}).Validate("", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("open validator accepted empty identity")
	}
	if err := (Open{}).Validate("alice", ""); err != nil {
		t.Fatalf("open validator rejected alice: %v", err)
	}
}
