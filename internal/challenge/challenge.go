package challenge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/request"
)

const (
	CookieName = "rbzid"
	// Phase02Prefix is the path challenge answers are posted to.
	Phase02Prefix = "/7060ac19f50208cbb6b45328ef94140a612ee92387e015594234077b4d1e64f1/"
	ProofHeader   = "x-zebra"

	TagPhase01 = "challenge_phase01"
	TagPhase02 = "challenge_phase02"
)

// EncodeCookie makes a verification token cookie-safe.
func EncodeCookie(token string) string {
	return strings.ReplaceAll(token, "=", "-")
}

func DecodeCookie(value string) string {
	return strings.ReplaceAll(value, "-", "=")
}

// Verified reports whether info carries a verification cookie the gateway
// accepts. Missing cookie or user agent is not an error, and neither is a
// gateway without the capability.
func Verified(gh grasshopper.Gateway, info *request.Info) (bool, error) {
	if gh == nil || info == nil {
		return false, nil
	}
	raw, ok := info.Cookies.Get(CookieName)
	if !ok || raw == "" {
		return false, nil
	}
	if _, ok := info.Headers.Get("user-agent"); !ok {
		return false, nil
	}

	cookies := info.Cookies.Clone()
	cookies.Set(CookieName, DecodeCookie(raw))
	q := grasshopper.QueryFromInfo(info)
	q.Cookies = cookies

	resp, err := gh.IsHuman(q, grasshopper.ModePassive)
	if errors.Is(err, grasshopper.ErrNotImplemented) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify %s cookie: %w", CookieName, err)
	}
	return resp.PrecisionLevel.IsHuman(), nil
}

// FailDecision is returned when a challenge is required but the gateway
// could not produce one.
func FailDecision(reason string) decision.Decision {
	return decision.Block(decision.Action{
		Type:      decision.ActionBlock,
		BlockMode: true,
		Status:    http.StatusInternalServerError,
		Content:   "internal_error",
	}, []decision.BlockReason{decision.Phase01Unknown(reason)})
}

// Phase01 serves the challenge page produced by the gateway.
func Phase01(reasons []decision.BlockReason, resp grasshopper.Response) decision.Decision {
	return decision.Block(decision.Action{
		Type:      decision.ActionBlock,
		BlockMode: true,
		Status:    decision.StatusChallengePhase01,
		Content:   resp.Body,
		Headers:   resp.Headers,
		ExtraTags: []string{TagPhase01},
	}, reasons)
}

// Phase02 checks a challenge answer and mints the verification cookie.
// It returns nil when the request is not a valid answer.
func Phase02(gh grasshopper.Gateway, info *request.Info, logger *slog.Logger) *decision.Decision {
	if gh == nil || info == nil {
		return nil
	}
	if !strings.HasPrefix(info.Meta.URI, Phase02Prefix) {
		return nil
	}
	if _, ok := info.Headers.Get("user-agent"); !ok {
		return nil
	}
	if proof, ok := info.Headers.Get(ProofHeader); !ok || proof == "" {
		return nil
	}

	token, err := gh.VerifyChallenge(info.Headers)
	if err != nil {
		if logger != nil {
			logger.Debug("challenge answer rejected", "error", err, "request_id", info.Meta.RequestID)
		}
		return nil
	}

	d := decision.Block(decision.Action{
		Type:      decision.ActionBlock,
		BlockMode: true,
		Status:    decision.StatusChallengePhase02,
		Content:   "{}",
		Headers: map[string]string{
			"Set-Cookie": CookieName + "=" + EncodeCookie(token) + "; Path=/; HttpOnly",
		},
		ExtraTags: []string{TagPhase02},
	}, []decision.BlockReason{decision.Phase02()})
	return &d
}

// Issue resolves a challenge action. It returns nil when the request may
// continue.
func Issue(gh grasshopper.Gateway, info *request.Info, verified bool, reasons []decision.BlockReason, fallback decision.Action) *decision.Decision {
	if verified {
		return nil
	}
	if gh == nil || info == nil {
		d := decision.Block(fallback, reasons)
		return &d
	}

	resp, err := gh.IsHuman(grasshopper.QueryFromInfo(info), grasshopper.ModeActive)
	if err != nil {
		d := FailDecision(err.Error())
		return &d
	}
	if resp.PrecisionLevel.IsHuman() {
		return nil
	}
	d := Phase01(reasons, resp)
	return &d
}
