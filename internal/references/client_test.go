package references

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestUploadTargetSendsBody(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/citation_entry/upload_pdfs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode("https://storage.example/put?sig=1")
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithToken("tok"))
	require.NoError(t, err)

	target, err := client.RequestUploadTarget(context.Background(), UploadTargetRequest{
		FileName: "paper.pdf", OrganizationID: "org", ProjectID: "proj", CorrelationID: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example/put?sig=1", target)
	assert.Equal(t, map[string]string{
		"filename": "paper.pdf", "organization_id": "org", "project_id": "proj", "correlation_id": "p1",
	}, got)
}

func TestRequestUploadTargetValidates(t *testing.T) {
	client, err := NewClient("http://localhost:1")
	require.NoError(t, err)

	_, err = client.RequestUploadTarget(context.Background(), UploadTargetRequest{OrganizationID: "o", ProjectID: "p"})
	assert.ErrorIs(t, err, ErrEmptyFileName)
	_, err = client.RequestUploadTarget(context.Background(), UploadTargetRequest{FileName: "a.pdf"})
	assert.ErrorIs(t, err, ErrMissingTarget)
}

func TestRequestUploadTargetAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"FORBIDDEN","error":"Forbidden"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)
	_, err = client.RequestUploadTarget(context.Background(), UploadTargetRequest{FileName: "a.pdf", OrganizationID: "o", ProjectID: "p"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestParseUploadTarget(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: `"https://s3/x"`, want: "https://s3/x"},
		{raw: `{"presigned_url":"https://s3/y"}`, want: "https://s3/y"},
		{raw: `{"url":"http://minio:9000/z"}`, want: "http://minio:9000/z"},
		{raw: `""`, wantErr: true},
		{raw: `"relative/path"`, wantErr: true},
		{raw: `42`, wantErr: true},
		{raw: `{"other":"x"}`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseUploadTarget(json.RawMessage(tc.raw))
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestLoginStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "minted", "userName": "Ada", "userId": "u1"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL + "/")
	require.NoError(t, err)
	result, err := client.Login(context.Background(), "Ada")
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "minted", client.Token())
}

func TestFetchProjectsAndRemove(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/citation_project/get_projects":
			assert.Equal(t, "org-1", r.URL.Query().Get("organization"))
			_, _ = w.Write([]byte(`{"projects":[{"id":"p1","project_name":"Thesis","children":[{"id":"p2","project_name":"Ch1"}]}]}`))
		case "/api/citation_entry/remove":
			var body struct {
				IDs []string `json:"citation_entry_ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]int{"removed": len(body.IDs)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	projects, err := client.FetchProjects(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	child, ok := FindProject(projects, "p2")
	require.True(t, ok)
	assert.Equal(t, "Ch1", child.Name)

	removed, err := client.RemoveCitations(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestNewClientRejectsBadScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}
