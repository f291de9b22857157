// pkg/tool/services/nrps.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eduline/lti-provider/pkg/tool/launch"
	"github.com/eduline/lti-provider/pkg/tool/registry"
)

/*
NRPS client (Names and Role Provisioning Services 2.0):
- Read context memberships, following Link rel="next" pagination.

The memberships URL comes from the launch's namesroleservice claim.
*/

// ScopeContextMembership is the read-only NRPS scope.
const ScopeContextMembership = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

// Member is one row of the memberships container.
type Member struct {
	UserID             string           `json:"user_id"`
	Status             string           `json:"status,omitempty"` // Active|Inactive|Deleted
	Roles              []string         `json:"roles,omitempty"`
	Name               string           `json:"name,omitempty"`
	GivenName          string           `json:"given_name,omitempty"`
	FamilyName         string           `json:"family_name,omitempty"`
	Email              string           `json:"email,omitempty"`
	LisPersonSourcedID string           `json:"lis_person_sourcedid,omitempty"`
	Message            []map[string]any `json:"message,omitempty"`
}

// MembershipContainer is the NRPS response body.
type MembershipContainer struct {
	ID      string `json:"id,omitempty"`
	Context struct {
		ID    string `json:"id,omitempty"`
		Label string `json:"label,omitempty"`
		Title string `json:"title,omitempty"`
	} `json:"context"`
	Members []Member `json:"members"`
}

// MembersOptions filter a GetMembers call.
type MembersOptions struct {
	// Role restricts to members holding the given role URI.
	Role string
	// Limit is a page-size hint; the platform may return fewer.
	Limit int
	// ResourceLinkID scopes membership to one resource link.
	ResourceLinkID string
}

type NRPSClient struct {
	HTTP     *http.Client
	Tokens   *AccessTokenSource
	Platform registry.Platform

	// From the launch namesroleservice claim.
	MembershipsURL string
}

// NewNRPSFromToken builds a client from a loaded session token. Returns an
// error when the launch carried no namesroleservice claim.
func NewNRPSFromToken(tokens *AccessTokenSource, p registry.Platform, tok *launch.IDToken) (*NRPSClient, error) {
	if tok == nil || tok.NamesRoles == nil {
		return nil, errors.New("nrps: launch carried no namesroleservice claim")
	}
	u, _ := tok.NamesRoles["context_memberships_url"].(string)
	if u == "" {
		return nil, errors.New("nrps: claim has no context_memberships_url")
	}
	return &NRPSClient{
		Tokens:         tokens,
		Platform:       p,
		MembershipsURL: u,
	}, nil
}

// GetMembers fetches the full membership of the launch context, following
// Link rel="next" headers until the container is exhausted.
func (c *NRPSClient) GetMembers(ctx context.Context, opts MembersOptions) ([]Member, error) {
	if c.MembershipsURL == "" {
		return nil, errors.New("nrps: missing memberships URL")
	}
	tok, err := c.Tokens.Token(ctx, c.Platform, []string{ScopeContextMembership})
	if err != nil {
		return nil, err
	}

	next := c.firstPageURL(opts)
	var members []Member
	for next != "" {
		page, link, err := c.fetchPage(ctx, next, tok)
		if err != nil {
			return nil, err
		}
		members = append(members, page.Members...)
		next = link
	}
	return members, nil
}

func (c *NRPSClient) firstPageURL(opts MembersOptions) string {
	u, err := url.Parse(c.MembershipsURL)
	if err != nil {
		return c.MembershipsURL
	}
	q := u.Query()
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.ResourceLinkID != "" {
		q.Set("rlid", opts.ResourceLinkID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *NRPSClient) fetchPage(ctx context.Context, pageURL, token string) (MembershipContainer, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return MembershipContainer{}, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.ims.lti-nrps.v2.membershipcontainer+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return MembershipContainer{}, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return MembershipContainer{}, "", httpErr("get memberships", resp)
	}
	var out MembershipContainer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return MembershipContainer{}, "", err
	}
	return out, nextLink(resp.Header), nil
}

func (c *NRPSClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// nextLink parses the Link header for a rel="next" URL. Returns "" when the
// last page has been reached.
func nextLink(h http.Header) string {
	for _, raw := range h.Values("Link") {
		for _, part := range strings.Split(raw, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
			for _, attr := range seg[1:] {
				attr = strings.TrimSpace(attr)
				if attr == `rel="next"` || attr == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
