package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"edgeproxy/internal/events"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminURL = "http://127.0.0.1:9090"

func mockedClient(t *testing.T) *APIClient {
	t.Helper()
	client := NewAPIClient(adminURL + "/")
	httpmock.ActivateNonDefault(client.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestNewAPIClient(t *testing.T) {
	client := NewAPIClient("http://admin.internal:9090/")
	assert.Equal(t, "http://admin.internal:9090", client.baseURL)
	assert.NotNil(t, client.httpClient)
}

func TestBlacklist(t *testing.T) {
	client := mockedClient(t)

	httpmock.RegisterResponder("POST", adminURL+"/admin/blacklist",
		func(req *http.Request) (*http.Response, error) {
			var body BlacklistRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return httpmock.NewStringResponse(400, `{"error":"bad body"}`), nil
			}
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, BlacklistRequest{IP: "203.0.113.9", Reason: "SCANNER", Country: "DE"}, body)
			return httpmock.NewJsonResponse(200, ListResponse{IP: body.IP, Status: "blacklisted"})
		})

	var out bytes.Buffer
	err := Block(&out, client, &BlacklistRequest{IP: "203.0.113.9", Reason: "SCANNER", Country: "DE"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "203.0.113.9 blocked")
	assert.Contains(t, out.String(), "SCANNER")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestAllowlist(t *testing.T) {
	client := mockedClient(t)

	httpmock.RegisterResponder("POST", adminURL+"/admin/allowlist",
		httpmock.NewJsonResponderOrPanic(200, ListResponse{IP: "192.0.2.1", Status: "allowlisted"}))

	var out bytes.Buffer
	require.NoError(t, Allow(&out, client, &AllowlistRequest{IP: "192.0.2.1", Note: "office"}))
	assert.Contains(t, out.String(), "192.0.2.1 allowlisted")
}

func TestReputation(t *testing.T) {
	client := mockedClient(t)
	seen := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	forbidden := 403

	httpmock.RegisterResponder("GET", adminURL+"/admin/reputation/198.51.100.4",
		httpmock.NewJsonResponderOrPanic(200, ReputationResponse{
			IP:          "198.51.100.4",
			Blacklisted: true,
			Blacklist: &BlacklistEntry{
				Reason:      "BOT_UA",
				CountryCode: "CN",
				FirstSeen:   seen,
				LastSeen:    seen,
				Hits:        12,
			},
			RecentEvents: []RecentEvent{
				{TS: seen, Host: "app.example.com", Method: "GET", Path: "/wp-login.php", Status: &forbidden, Reason: "EXPLOIT_PATH"},
				{TS: seen, Host: "origin.example.com", Method: "GET", Path: "/"},
			},
		}))

	rep, err := client.Reputation("198.51.100.4")
	require.NoError(t, err)
	assert.True(t, rep.Blacklisted)
	require.NotNil(t, rep.Blacklist)
	assert.Equal(t, int64(12), rep.Blacklist.Hits)

	var out bytes.Buffer
	require.NoError(t, Check(&out, client, "198.51.100.4"))
	for _, want := range []string{"blacklisted", "BOT_UA", "CN", "12", "403 GET app.example.com/wp-login.php", "EXPLOIT_PATH", "dropped GET origin.example.com/"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestDoRequest_APIError(t *testing.T) {
	client := mockedClient(t)

	httpmock.RegisterResponder("POST", adminURL+"/admin/blacklist",
		httpmock.NewJsonResponderOrPanic(403, ErrorResponse{Error: "Forbidden", RequestID: "abc"}))

	_, err := client.Blacklist(&BlacklistRequest{IP: "1.2.3.4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Forbidden")
}

func TestDoRequest_UnexpectedBody(t *testing.T) {
	client := mockedClient(t)

	httpmock.RegisterResponder("GET", adminURL+"/admin/reputation/1.2.3.4",
		httpmock.NewStringResponder(502, strings.Repeat("x", 300)))

	_, err := client.Reputation("1.2.3.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.Contains(t, err.Error(), "...")
}

func TestDoRequest_TransportError(t *testing.T) {
	client := mockedClient(t)

	_, err := client.Allowlist(&AllowlistRequest{IP: "1.2.3.4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	PrintReport(&out, &events.Report{
		Created: []string{"request_event_2026_11"},
		Dropped: []string{"request_event_2026_07"},
		Pruned:  42,
	})
	assert.Contains(t, out.String(), "created request_event_2026_11")
	assert.Contains(t, out.String(), "dropped request_event_2026_07")
	assert.Contains(t, out.String(), "42 rows pruned")

	out.Reset()
	PrintReport(&out, &events.Report{})
	assert.Contains(t, out.String(), "nothing to do")
}
