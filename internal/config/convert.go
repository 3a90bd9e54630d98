package config

import (
	"time"

	"github.com/danmuck/relaychat/internal/auth"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/danmuck/relaychat/internal/relay"
)

func millis(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// RelayServer maps the file layout onto relay.Config. Zero values are left
// for relay.Config.WithDefaults.
func RelayServer(cfg RelayConfig) relay.Config {
	return relay.Config{
		Node:             cfg.Node,
		HTTPAddr:         cfg.HTTPAddr,
		TCPAddr:          cfg.TCPAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		SendBuffer:       cfg.SendBuffer,
		HandshakeTimeout: millis(cfg.HandshakeTimeoutMS),
		ReadTimeout:      millis(cfg.ReadTimeoutMS),
		WriteTimeout:     millis(cfg.WriteTimeoutMS),
		PingInterval:     millis(cfg.PingIntervalMS),
		Mode:             relay.SecurityMode(cfg.Mode),
		TLS:              cfg.TLS,
		BindTLSIdentity:  cfg.BindTLSIdentity,
	}.WithDefaults()
}

func RelayValidator(cfg AuthConfig) auth.Validator {
	switch cfg.Mode {
	case AuthToken:
		return auth.StaticToken{Token: cfg.Token}
	case AuthTable:
		return auth.TokenTable(cfg.Tokens)
	case AuthProof:
		return identity.ProofValidator{MaxSkew: millis(cfg.MaxSkewMS)}
	default:
		return auth.Open{}
	}
}

// RelayVerifier returns nil unless signature checks are enabled; then
// messages must be signed.
func RelayVerifier(cfg AuthConfig) session.Verifier {
	if !cfg.VerifySignatures {
		return nil
	}
	return identity.Verifier{RequireKinds: []envelope.Kind{envelope.KindMessage}}
}
