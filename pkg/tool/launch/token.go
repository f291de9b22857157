// pkg/tool/launch/token.go
package launch

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
Session state models.

IDToken and PlatformContext are the two documents a launch materializes:
the validated identity of the launching user and the context/resource the
launch points at. Both round-trip through the Store as schemaless documents
so backends stay shape-agnostic.
*/

// UserInfo is the displayable identity subset of an id_token.
type UserInfo struct {
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
}

// IDToken is the persisted outcome of the most recent launch for a
// (platform, deployment, user) triple.
type IDToken struct {
	Iss          string
	User         string // sub
	Roles        []string
	UserInfo     UserInfo
	PlatformInfo map[string]any
	DeploymentID string
	LIS          map[string]any
	Endpoint     map[string]any // AGS claim
	NamesRoles   map[string]any // NRPS claim

	// PlatformContext is attached when the token is loaded for a request.
	PlatformContext *PlatformContext
}

// PlatformContext is the persisted context/resource state of the last
// launch into a context.
type PlatformContext struct {
	ContextID           string
	Path                string
	User                string
	TargetLinkURI       string
	Context             map[string]any
	Resource            map[string]any
	Custom              map[string]any
	LaunchPresentation  map[string]any
	MessageType         string
	Version             string
	DeepLinkingSettings map[string]any
}

// ------------------------------ Claim mapping --------------------------------

func idTokenFromClaims(c jwt.MapClaims) IDToken {
	sub, _ := c["sub"].(string)
	iss, _ := c["iss"].(string)
	dep, _ := c[ClaimDeploymentID].(string)
	tok := IDToken{
		Iss:          iss,
		User:         sub,
		Roles:        asStringSlice(c[ClaimRoles]),
		DeploymentID: dep,
		PlatformInfo: asMap(c[ClaimToolPlatform]),
		LIS:          asMap(c[ClaimLIS]),
		Endpoint:     asMap(c[ClaimEndpoint]),
		NamesRoles:   asMap(c[ClaimNamesRoles]),
	}
	tok.UserInfo = UserInfo{
		GivenName:  asString(c["given_name"]),
		FamilyName: asString(c["family_name"]),
		Name:       asString(c["name"]),
		Email:      asString(c["email"]),
	}
	return tok
}

func contextFromClaims(c jwt.MapClaims, contextID, path string) PlatformContext {
	sub, _ := c["sub"].(string)
	return PlatformContext{
		ContextID:           contextID,
		Path:                path,
		User:                sub,
		TargetLinkURI:       asString(c[ClaimTargetLinkURI]),
		Context:             asMap(c[ClaimContext]),
		Resource:            asMap(c[ClaimResourceLink]),
		Custom:              asMap(c[ClaimCustom]),
		LaunchPresentation:  asMap(c[ClaimLaunchPresentation]),
		MessageType:         asString(c[ClaimMessageType]),
		Version:             asString(c[ClaimVersion]),
		DeepLinkingSettings: asMap(c[ClaimDeepLinkingSettings]),
	}
}

// ------------------------------- Store codecs --------------------------------

func idTokenToDoc(t IDToken) storage.Document {
	return storage.Document{
		"iss":          t.Iss,
		"user":         t.User,
		"deploymentId": t.DeploymentID,
		"roles":        toAnySlice(t.Roles),
		"userInfo": map[string]any{
			"given_name":  t.UserInfo.GivenName,
			"family_name": t.UserInfo.FamilyName,
			"name":        t.UserInfo.Name,
			"email":       t.UserInfo.Email,
		},
		"platformInfo": t.PlatformInfo,
		"lis":          t.LIS,
		"endpoint":     t.Endpoint,
		"namesRoles":   t.NamesRoles,
	}
}

func idTokenFromDoc(doc storage.Document) IDToken {
	ui := asMap(doc["userInfo"])
	return IDToken{
		Iss:          asString(doc["iss"]),
		User:         asString(doc["user"]),
		DeploymentID: asString(doc["deploymentId"]),
		Roles:        asStringSlice(doc["roles"]),
		UserInfo: UserInfo{
			GivenName:  asString(ui["given_name"]),
			FamilyName: asString(ui["family_name"]),
			Name:       asString(ui["name"]),
			Email:      asString(ui["email"]),
		},
		PlatformInfo: asMap(doc["platformInfo"]),
		LIS:          asMap(doc["lis"]),
		Endpoint:     asMap(doc["endpoint"]),
		NamesRoles:   asMap(doc["namesRoles"]),
	}
}

func contextToDoc(c PlatformContext) storage.Document {
	return storage.Document{
		"contextId":           c.ContextID,
		"path":                c.Path,
		"user":                c.User,
		"targetLinkUri":       c.TargetLinkURI,
		"context":             c.Context,
		"resource":            c.Resource,
		"custom":              c.Custom,
		"launchPresentation":  c.LaunchPresentation,
		"messageType":         c.MessageType,
		"version":             c.Version,
		"deepLinkingSettings": c.DeepLinkingSettings,
	}
}

func contextFromDoc(doc storage.Document) PlatformContext {
	return PlatformContext{
		ContextID:           asString(doc["contextId"]),
		Path:                asString(doc["path"]),
		User:                asString(doc["user"]),
		TargetLinkURI:       asString(doc["targetLinkUri"]),
		Context:             asMap(doc["context"]),
		Resource:            asMap(doc["resource"]),
		Custom:              asMap(doc["custom"]),
		LaunchPresentation:  asMap(doc["launchPresentation"]),
		MessageType:         asString(doc["messageType"]),
		Version:             asString(doc["version"]),
		DeepLinkingSettings: asMap(doc["deepLinkingSettings"]),
	}
}

// ---------------------------- Context plumbing -------------------------------

type ctxKey int

const (
	ctxKeyToken ctxKey = iota
	ctxKeyLTIK
)

// WithToken attaches the loaded session token to the request context.
func WithToken(ctx context.Context, t *IDToken) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

// TokenFromContext returns the session token for an authenticated request.
func TokenFromContext(ctx context.Context) (*IDToken, bool) {
	t, ok := ctx.Value(ctxKeyToken).(*IDToken)
	return t, ok
}

func withLTIK(ctx context.Context, ltik string) context.Context {
	return context.WithValue(ctx, ctxKeyLTIK, ltik)
}

// LTIKFromContext returns the continuation token for an authenticated request.
func LTIKFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeyLTIK).(string)
	return s, ok
}

// -------------------------------- Converters ---------------------------------

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
