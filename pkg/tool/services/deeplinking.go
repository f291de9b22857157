// pkg/tool/services/deeplinking.go
package services

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/launch"
	"github.com/eduline/lti-provider/pkg/tool/registry"
)

/*
Deep Linking 2.0 response builder.

A deep-linking launch carries a deep_linking_settings claim with a
deep_link_return_url. The tool answers by auto-submitting a form that POSTs
a signed LtiDeepLinkingResponse JWT (the "JWT" field) back to that URL.
*/

// ContentItem is one selected item in a deep-linking response. Type is
// usually "ltiResourceLink".
type ContentItem struct {
	Type   string         `json:"type"`
	Title  string         `json:"title,omitempty"`
	Text   string         `json:"text,omitempty"`
	URL    string         `json:"url,omitempty"`
	Icon   map[string]any `json:"icon,omitempty"`
	Custom map[string]any `json:"custom,omitempty"`
	// LineItem, when set on an ltiResourceLink, asks the platform to
	// create a gradebook column for the link.
	LineItem map[string]any `json:"lineItem,omitempty"`
}

// DeepLinker signs deep-linking response messages with the tool key
// registered for the platform.
type DeepLinker struct {
	Ring *keys.KeyRing

	// Now overrides the clock (tests).
	Now func() time.Time
}

// BuildResponse creates the signed LtiDeepLinkingResponse JWT for the given
// launch. The data claim from the platform's settings is echoed back when
// present.
func (d *DeepLinker) BuildResponse(ctx context.Context, p registry.Platform, tok *launch.IDToken, items []ContentItem) (string, error) {
	if d.Ring == nil {
		return "", errors.New("deeplinking: key ring not configured")
	}
	if tok == nil || tok.PlatformContext == nil {
		return "", errors.New("deeplinking: no launch context")
	}
	settings := tok.PlatformContext.DeepLinkingSettings
	if settings == nil {
		return "", errors.New("deeplinking: launch carried no deep_linking_settings claim")
	}

	priv, err := d.Ring.PrivateKey(ctx, p.KID)
	if err != nil {
		return "", fmt.Errorf("deeplinking: load tool key: %w", err)
	}

	if items == nil {
		items = []ContentItem{}
	}
	now := d.now()
	claims := jwt.MapClaims{
		"iss":                    p.ClientID,
		"aud":                    tok.Iss,
		"iat":                    now.Unix(),
		"exp":                    now.Add(5 * time.Minute).Unix(),
		"nonce":                  uuid.NewString(),
		launch.ClaimMessageType:  "LtiDeepLinkingResponse",
		launch.ClaimVersion:      launch.LTIVersion,
		launch.ClaimDeploymentID: tok.DeploymentID,
		launch.ClaimContentItems: items,
	}
	if data, ok := settings["data"].(string); ok && data != "" {
		claims[launch.ClaimDeepLinkingData] = data
	}

	signed := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed.Header["kid"] = p.KID
	return signed.SignedString(priv)
}

// ReturnURL extracts the deep_link_return_url from the launch settings.
func ReturnURL(tok *launch.IDToken) (string, error) {
	if tok == nil || tok.PlatformContext == nil || tok.PlatformContext.DeepLinkingSettings == nil {
		return "", errors.New("deeplinking: launch carried no deep_linking_settings claim")
	}
	u, _ := tok.PlatformContext.DeepLinkingSettings["deep_link_return_url"].(string)
	if u == "" {
		return "", errors.New("deeplinking: settings have no deep_link_return_url")
	}
	return u, nil
}

var responseFormTmpl = template.Must(template.New("dlform").Parse(strings.TrimSpace(`
<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<form action="{{.Action}}" method="POST">
<input type="hidden" name="JWT" value="{{.JWT}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`)))

// WriteResponseForm renders the auto-submitting form that carries the signed
// response JWT back to the platform's return URL.
func (d *DeepLinker) WriteResponseForm(ctx context.Context, w http.ResponseWriter, p registry.Platform, tok *launch.IDToken, items []ContentItem) error {
	returnURL, err := ReturnURL(tok)
	if err != nil {
		return err
	}
	jwtStr, err := d.BuildResponse(ctx, p, tok, items)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return responseFormTmpl.Execute(w, struct {
		Action string
		JWT    string
	}{Action: returnURL, JWT: jwtStr})
}

func (d *DeepLinker) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
