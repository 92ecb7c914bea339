package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := newRootCmd()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCommands_RequireIPArg(t *testing.T) {
	for _, name := range []string{"block", "allow", "check"} {
		_, _, err := executeRoot(t, name)
		if err == nil {
			t.Fatalf("%s: expected error when ip arg is omitted", name)
		}
		if !strings.Contains(err.Error(), "accepts 1 arg(s), received 0") {
			t.Fatalf("%s: expected arg validation error, got: %v", name, err)
		}
	}
}

func TestMaintain_RejectsArgs(t *testing.T) {
	_, _, err := executeRoot(t, "maintain", "extra")
	if err == nil {
		t.Fatal("expected error for unexpected argument")
	}
}

func TestBlock_UsesAdminURL(t *testing.T) {
	var gotPath, gotBody string
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.9","status":"blacklisted"}`))
	}))
	defer admin.Close()

	stdout, _, err := executeRoot(t, "--admin-url", admin.URL, "block", "203.0.113.9", "--reason", "SCANNER", "--country", "de")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if gotPath != "/admin/blacklist" {
		t.Errorf("path = %q, want /admin/blacklist", gotPath)
	}
	if !strings.Contains(gotBody, `"reason":"SCANNER"`) || !strings.Contains(gotBody, `"country":"de"`) {
		t.Errorf("unexpected request body %s", gotBody)
	}
	if !strings.Contains(stdout, "203.0.113.9 blocked") {
		t.Errorf("unexpected output %q", stdout)
	}
}

func TestCheck_ReportsAPIErrors(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
	}))
	defer admin.Close()

	_, _, err := executeRoot(t, "--admin-url", admin.URL, "check", "1.2.3.4")
	if err == nil || !strings.Contains(err.Error(), "Forbidden") {
		t.Fatalf("expected Forbidden error, got %v", err)
	}
}

func TestHelpListsCommands(t *testing.T) {
	stdout, _, err := executeRoot(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, name := range []string{"block", "allow", "check", "maintain"} {
		if !strings.Contains(stdout, name) {
			t.Errorf("help should list %q", name)
		}
	}
}
