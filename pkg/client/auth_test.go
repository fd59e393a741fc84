package client

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
)

func TestLogin_Success(t *testing.T) {
	var pingAuth string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/auth-token/":
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method %s", r.Method)
			}
			if r.Header.Get("Authorization") != "" {
				t.Error("login request carried an old token")
			}
			if r.FormValue("username") != "alice" || r.FormValue("password") != "pass123" {
				t.Errorf("unexpected credentials %q/%q", r.FormValue("username"), r.FormValue("password"))
			}
			writeJSON(w, map[string]string{"token": "new-token"})
		case "/api2/auth/ping/":
			pingAuth = r.Header.Get("Authorization")
			writeJSON(w, "pong")
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	token, err := c.Login(context.Background(), "alice", "pass123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "new-token" {
		t.Errorf("expected token new-token, got %s", token)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pingAuth != "Token new-token" {
		t.Errorf("expected new token on ping, got %q", pingAuth)
	}
}

func TestLogin_Failure(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"non_field_errors":["Unable to login with provided credentials."]}`))
	}))
	defer ts.Close()

	_, err := c.Login(context.Background(), "alice", "wrong")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected 400 in error, got: %v", err)
	}
}

func TestPing_Unauthorized(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Invalid token"}`))
	}))
	defer ts.Close()

	err := c.Ping(context.Background())
	if !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid token") {
		t.Errorf("expected detail in error, got: %v", err)
	}
}

func TestTokenFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	tf := &TokenFile{Token: "abc", Server: "https://seafile.example.com", Username: "alice", Repo: "r1"}

	if err := SaveToken(path, tf); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", st.Mode().Perm())
	}

	loaded, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded.Token != "abc" || loaded.Username != "alice" || loaded.Repo != "r1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("SavedAt not set")
	}

	if err := DeleteToken(path); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if _, err := LoadToken(path); !os.IsNotExist(err) {
		t.Errorf("expected not exist after delete, got %v", err)
	}
	if err := DeleteToken(path); err != nil {
		t.Errorf("second DeleteToken: %v", err)
	}
}
