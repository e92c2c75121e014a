package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/errgroup"
)

// LinkResult is what an administrator's consent tells us about their directory.
type LinkResult struct {
	UserPrincipalName string
	TenantID          string
	RefreshToken      string
}

// Linker runs the authorization code flow that links a directory to a tenant.
type Linker interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*LinkResult, error)
}

// OAuthLinker implements Linker against the multi-tenant Microsoft identity platform.
type OAuthLinker struct {
	conf    *oauth2.Config
	baseURL string
}

// NewOAuthLinker returns a linker that redirects back to redirectURL.
func NewOAuthLinker(clientID, clientSecret, redirectURL string) *OAuthLinker {
	return &OAuthLinker{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint("organizations"),
			RedirectURL:  redirectURL,
			Scopes:       []string{"offline_access", graphScope},
		},
		baseURL: DefaultBaseURL,
	}
}

// WithEndpoints replaces the identity platform and Graph endpoints.
func (l *OAuthLinker) WithEndpoints(endpoint oauth2.Endpoint, graphBaseURL string) *OAuthLinker {
	l.conf.Endpoint = endpoint
	l.baseURL = strings.TrimSuffix(graphBaseURL, "/")
	return l
}

// AuthCodeURL returns the consent page. prompt=login makes Microsoft ask
// which administrator is linking instead of reusing a browser session.
func (l *OAuthLinker) AuthCodeURL(state string) string {
	return l.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "login"))
}

// Exchange trades the authorization code for tokens and looks up who consented
// and which directory they belong to.
func (l *OAuthLinker) Exchange(ctx context.Context, code string) (*LinkResult, error) {
	token, err := l.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, errors.New("microsoft did not return a refresh token")
	}
	client := l.conf.Client(ctx, token)

	var me struct {
		UserPrincipalName string `json:"userPrincipalName"`
	}
	var org struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return getJSON(gctx, client, l.baseURL+"/me?$select=userPrincipalName", &me)
	})
	g.Go(func() error {
		return getJSON(gctx, client, l.baseURL+"/organization?$select=id", &org)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if me.UserPrincipalName == "" {
		return nil, errors.New("microsoft returned no user principal name")
	}
	if len(org.Value) != 1 || org.Value[0].ID == "" {
		return nil, fmt.Errorf("expected exactly one organization, got %d", len(org.Value))
	}

	return &LinkResult{
		UserPrincipalName: me.UserPrincipalName,
		TenantID:          org.Value[0].ID,
		RefreshToken:      token.RefreshToken,
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", strings.SplitN(url, "?", 2)[0], resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
