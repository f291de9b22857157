// pkg/tool/services/ags.go
package services

import (
	"bytes"
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
AGS client (Assignment and Grade Services 2.0):
- Create/List/Delete Line Items
- Post Scores
- Read Results

Auth: client_credentials with a private_key_jwt assertion via
AccessTokenSource. The lineitems URL and granted scopes come from the
launch's endpoint claim.
*/

// AGS scope URLs.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// ===== Models (per IMS AGS 2.0 spec, trimmed to what we use) =====

type LineItem struct {
	ID             string  `json:"id,omitempty"`             // absolute URL for this line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`   // required when creating
	Label          string  `json:"label,omitempty"`          // gradebook column label
	ResourceID     string  `json:"resourceId,omitempty"`     // tool-defined grouping
	ResourceLinkID string  `json:"resourceLinkId,omitempty"` // from launch claim
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"`              // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`   // awarded points
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"` // max points
	ActivityProgress string   `json:"activityProgress"`       // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`        // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"` // result URL
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"` // RFC3339
}

// ===== Client =====

type AGSClient struct {
	HTTP     *http.Client
	Tokens   *AccessTokenSource
	Platform registry.Platform

	// From the launch endpoint claim.
	LineItemsURL string
	Scopes       []string
}

// NewAGSFromToken builds a client from a loaded session token. Returns an
// error when the launch carried no AGS endpoint claim.
func NewAGSFromToken(tokens *AccessTokenSource, p registry.Platform, tok *launch.IDToken) (*AGSClient, error) {
	if tok == nil || tok.Endpoint == nil {
		return nil, errors.New("ags: launch carried no endpoint claim")
	}
	lineItems, _ := tok.Endpoint["lineitems"].(string)
	if lineItems == "" {
		return nil, errors.New("ags: endpoint claim has no lineitems URL")
	}
	var scopes []string
	if raw, ok := tok.Endpoint["scope"].([]any); ok {
		for _, s := range raw {
			if v, ok := s.(string); ok {
				scopes = append(scopes, v)
			}
		}
	}
	return &AGSClient{
		Tokens:       tokens,
		Platform:     p,
		LineItemsURL: lineItems,
		Scopes:       scopes,
	}, nil
}

// ===== Public API =====

// CreateLineItem POSTs a new line item to the platform and returns the created item.
func (c *AGSClient) CreateLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	if c.LineItemsURL == "" {
		return LineItem{}, errors.New("ags: missing lineitems URL")
	}
	if li.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum required and > 0")
	}
	tok, err := c.token(ctx, ScopeLineItem)
	if err != nil {
		return LineItem{}, err
	}
	body, _ := json.Marshal(li)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.LineItemsURL, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return LineItem{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return LineItem{}, httpErr("create line item", resp)
	}
	var out LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

// ListLineItems GETs line items (optionally filtered by resourceId, resourceLinkId).
func (c *AGSClient) ListLineItems(ctx context.Context, resourceID, resourceLinkID string, limit, page int) ([]LineItem, error) {
	if c.LineItemsURL == "" {
		return nil, errors.New("ags: missing lineitems URL")
	}
	tok, err := c.token(ctx, ScopeLineItemReadOnly, ScopeLineItem)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(c.LineItemsURL)
	q := u.Query()
	if resourceID != "" {
		q.Set("resource_id", resourceID)
	}
	if resourceLinkID != "" {
		q.Set("resource_link_id", resourceLinkID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitemcontainer+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("list line items", resp)
	}
	var out []LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteLineItem removes a line item by its absolute item URL (li.ID).
func (c *AGSClient) DeleteLineItem(ctx context.Context, lineItemURL string) error {
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	tok, err := c.token(ctx, ScopeLineItem)
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, lineItemURL, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode/100 != 2 {
		return httpErr("delete line item", resp)
	}
	return nil
}

// PostScore posts (upserts) a score to the Scores container of a line item.
// The scores endpoint is "{lineItemURL}/scores".
func (c *AGSClient) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	if s.UserID == "" {
		return errors.New("ags: score.userId required")
	}
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	tok, err := c.token(ctx, ScopeScore)
	if err != nil {
		return err
	}
	u := strings.TrimRight(lineItemURL, "/") + "/scores"
	body, _ := json.Marshal(s)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return httpErr("post score", resp)
	}
	return nil
}

// GetResults reads Results for a line item, optionally filtered by userId.
func (c *AGSClient) GetResults(ctx context.Context, lineItemURL, userID string, limit, page int) ([]Result, error) {
	if lineItemURL == "" {
		return nil, errors.New("ags: lineItemURL required")
	}
	tok, err := c.token(ctx, ScopeResultReadOnly)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(strings.TrimRight(lineItemURL, "/") + "/results")
	q := u.Query()
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.resultcontainer+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("get results", resp)
	}
	var out []Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// token picks the first preferred scope the platform granted and fetches a
// bearer token for it.
func (c *AGSClient) token(ctx context.Context, preferred ...string) (string, error) {
	scope := neededScope(c.Scopes, preferred...)
	var scopes []string
	if scope != "" {
		scopes = []string{scope}
	}
	return c.Tokens.Token(ctx, c.Platform, scopes)
}

func (c *AGSClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Choose the first scope the platform granted that matches our desired set.
func neededScope(platformScopes []string, preferred ...string) string {
	pset := make(map[string]struct{}, len(platformScopes))
	for _, s := range platformScopes {
		pset[s] = struct{}{}
	}
	for _, want := range preferred {
		if _, ok := pset[want]; ok {
			return want
		}
	}
	// Some platforms ignore the scope param for client_credentials.
	return ""
}
