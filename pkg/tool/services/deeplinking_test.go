// pkg/tool/services/deeplinking_test.go
package services_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduline/lti-provider/pkg/tool/launch"
	"github.com/eduline/lti-provider/pkg/tool/services"
)

func deepLinkToken(settings map[string]any) *launch.IDToken {
	return &launch.IDToken{
		Iss:          "https://lms.example.com",
		User:         "user-1",
		DeploymentID: "dep-1",
		PlatformContext: &launch.PlatformContext{
			MessageType:         launch.MessageTypeDeepLinking,
			DeepLinkingSettings: settings,
		},
	}
}

func TestDeepLinking_BuildResponse(t *testing.T) {
	_, p, ep, _ := newTokenFixture(t)
	dl := &services.DeepLinker{Ring: ep.ring}

	tok := deepLinkToken(map[string]any{
		"deep_link_return_url": "https://lms.example.com/deep_links",
		"data":                 "opaque-platform-state",
	})
	items := []services.ContentItem{
		{
			Type:  "ltiResourceLink",
			Title: "Unit 2 quiz",
			URL:   "https://tool.example.com/quiz/2",
			LineItem: map[string]any{
				"scoreMaximum": 10,
				"label":        "Unit 2 quiz",
			},
		},
	}

	raw, err := dl.BuildResponse(context.Background(), p, tok, items)
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	pub, err := ep.ring.PublicKey(context.Background(), ep.kid)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("response does not verify: %v", err)
	}

	if claims["iss"] != p.ClientID {
		t.Fatalf("iss must be the client id, got %v", claims["iss"])
	}
	if claims["aud"] != tok.Iss {
		t.Fatalf("aud must be the platform issuer, got %v", claims["aud"])
	}
	if claims[launch.ClaimMessageType] != "LtiDeepLinkingResponse" {
		t.Fatalf("message type = %v", claims[launch.ClaimMessageType])
	}
	if claims[launch.ClaimVersion] != launch.LTIVersion {
		t.Fatalf("version = %v", claims[launch.ClaimVersion])
	}
	if claims[launch.ClaimDeploymentID] != "dep-1" {
		t.Fatalf("deployment = %v", claims[launch.ClaimDeploymentID])
	}
	if claims[launch.ClaimDeepLinkingData] != "opaque-platform-state" {
		t.Fatalf("data claim must echo the settings, got %v", claims[launch.ClaimDeepLinkingData])
	}
	if kidHdr, _ := parsed.Header["kid"].(string); kidHdr != ep.kid {
		t.Fatalf("kid header = %q", kidHdr)
	}
	if nonce, _ := claims["nonce"].(string); nonce == "" {
		t.Fatalf("response missing nonce")
	}

	sent, ok := claims[launch.ClaimContentItems].([]any)
	if !ok || len(sent) != 1 {
		t.Fatalf("content items = %v", claims[launch.ClaimContentItems])
	}
	first, _ := sent[0].(map[string]any)
	if first["type"] != "ltiResourceLink" || first["title"] != "Unit 2 quiz" {
		t.Fatalf("first item = %v", first)
	}
}

func TestDeepLinking_BuildResponse_EmptySelection(t *testing.T) {
	_, p, ep, _ := newTokenFixture(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dl := &services.DeepLinker{Ring: ep.ring, Now: func() time.Time { return now }}

	tok := deepLinkToken(map[string]any{
		"deep_link_return_url": "https://lms.example.com/deep_links",
	})
	raw, err := dl.BuildResponse(context.Background(), p, tok, nil)
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	pub, _ := ep.ring.PublicKey(context.Background(), ep.kid)
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return now })); err != nil {
		t.Fatalf("response does not verify: %v", err)
	}

	// Cancelling a selection still answers with an empty item list.
	if sent, ok := claims[launch.ClaimContentItems].([]any); !ok || len(sent) != 0 {
		t.Fatalf("expected empty content items, got %v", claims[launch.ClaimContentItems])
	}
	// No settings data means no data claim echoed.
	if _, present := claims[launch.ClaimDeepLinkingData]; present {
		t.Fatalf("data claim must be absent when settings carry none")
	}
	if int64(claims["exp"].(float64))-int64(claims["iat"].(float64)) != 300 {
		t.Fatalf("expected a 5 minute response window")
	}
}

func TestDeepLinking_BuildResponse_MissingSettings(t *testing.T) {
	_, p, ep, _ := newTokenFixture(t)
	dl := &services.DeepLinker{Ring: ep.ring}

	if _, err := dl.BuildResponse(context.Background(), p, nil, nil); err == nil {
		t.Fatalf("expected error for nil token")
	}
	tok := deepLinkToken(nil)
	if _, err := dl.BuildResponse(context.Background(), p, tok, nil); err == nil {
		t.Fatalf("expected error for missing settings claim")
	}
}

func TestDeepLinking_ReturnURL(t *testing.T) {
	tok := deepLinkToken(map[string]any{
		"deep_link_return_url": "https://lms.example.com/deep_links",
	})
	u, err := services.ReturnURL(tok)
	if err != nil {
		t.Fatalf("return url: %v", err)
	}
	if u != "https://lms.example.com/deep_links" {
		t.Fatalf("return url = %q", u)
	}

	if _, err := services.ReturnURL(nil); err == nil {
		t.Fatalf("expected error for nil token")
	}
	if _, err := services.ReturnURL(deepLinkToken(map[string]any{})); err == nil {
		t.Fatalf("expected error for settings without a return url")
	}
}

func TestDeepLinking_WriteResponseForm(t *testing.T) {
	_, p, ep, _ := newTokenFixture(t)
	dl := &services.DeepLinker{Ring: ep.ring}

	tok := deepLinkToken(map[string]any{
		"deep_link_return_url": "https://lms.example.com/deep_links",
	})
	rec := httptest.NewRecorder()
	err := dl.WriteResponseForm(context.Background(), rec, p, tok, []services.ContentItem{
		{Type: "ltiResourceLink", Title: "Unit 2 quiz"},
	})
	if err != nil {
		t.Fatalf("write form: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `action="https://lms.example.com/deep_links"`) {
		t.Fatalf("form must POST to the return url:\n%s", body)
	}
	if !strings.Contains(body, `name="JWT"`) {
		t.Fatalf("form must carry the JWT field:\n%s", body)
	}
	if !strings.Contains(body, "document.forms[0].submit()") {
		t.Fatalf("form must auto-submit:\n%s", body)
	}
}

func TestDeepLinking_WriteResponseForm_NoReturnURL(t *testing.T) {
	_, p, ep, _ := newTokenFixture(t)
	dl := &services.DeepLinker{Ring: ep.ring}

	rec := httptest.NewRecorder()
	if err := dl.WriteResponseForm(context.Background(), rec, p, deepLinkToken(map[string]any{}), nil); err == nil {
		t.Fatalf("expected error for settings without a return url")
	}
}
