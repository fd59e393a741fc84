package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dongsupark/seafile-fuse-client/pkg/protocol"
)

// TokenFile holds a saved API token.
type TokenFile struct {
	Token    string    `json:"token"`
	Server   string    `json:"server"`
	Username string    `json:"username"`
	Repo     string    `json:"repo,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Login exchanges a username and password for an API token and uses it for
// subsequent requests.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := c.newRequest(ctx, http.MethodPost, "/api2/auth-token/", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Del("Authorization")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result protocol.AuthTokenResponse
	if err := c.doJSON(req, "login", &result); err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("login failed: empty token in response")
	}

	c.SetAuthToken(result.Token)
	return result.Token, nil
}

// SaveToken writes tf to path, readable only by the owner.
func SaveToken(path string, tf *TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if tf.SavedAt.IsZero() {
		tf.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

// DeleteToken removes the saved token. A missing file is not an error.
func DeleteToken(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
