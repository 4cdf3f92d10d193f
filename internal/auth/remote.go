package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteVerifier asks the identity provider's account endpoint who the JWT
// belongs to.
type RemoteVerifier struct {
	endpoint string
	project  string
	client   *http.Client
}

func NewRemoteVerifier(endpoint, project string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteVerifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		project:  project,
		client:   client,
	}
}

type remoteAccount struct {
	ID    string `json:"$id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Prefs struct {
		Plan string `json:"plan"`
	} `json:"prefs"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint+"/account", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build account request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Appwrite-Project", v.project)
	req.Header.Set("X-Appwrite-JWT", token)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("account request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	case resp.StatusCode >= 300:
		return Identity{}, fmt.Errorf("account request: unexpected status %d", resp.StatusCode)
	}

	var account remoteAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return Identity{}, fmt.Errorf("decode account: %w", err)
	}
	if strings.TrimSpace(account.ID) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID: account.ID,
		Email:  account.Email,
		Name:   account.Name,
		Plan:   account.Prefs.Plan,
	}, nil
}
