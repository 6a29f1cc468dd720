package federation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/marketsync/pkg/clients"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/testutil"
)

func newTestClient(t *testing.T) *clients.HTTPClient {
	cfg := clients.DefaultHTTPConfig("test")
	cfg.RateLimit = 0
	cfg.FailureThreshold = 0
	c := clients.NewHTTPClient(cfg, testutil.TestLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestHTTPRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/factories/me":
			_, _ = io.WriteString(w, `{"name":"local","prefix":"https://local.example"}`)
		case "/factories/by-name/acme":
			_, _ = io.WriteString(w, `{"name":"acme","prefix":"https://acme.example"}`)
		case "/factories/by-name/broken":
			_, _ = io.WriteString(w, `{"name":"broken"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	reg := NewHTTPRegistry(newTestClient(t), srv.URL)

	local, err := reg.ResolveRequesterFactory(ctx, "user-token")
	require.NoError(t, err)
	assert.Equal(t, "https://local.example", local.Prefix)

	provider, err := reg.ResolveProviderFactory(ctx, "acme", "user-token")
	require.NoError(t, err)
	assert.Equal(t, "acme", provider.Name)

	_, err = reg.ResolveProviderFactory(ctx, "broken", "user-token")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = reg.ResolveProviderFactory(ctx, "unknown", "user-token")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestHTTPProviderFetchBatch(t *testing.T) {
	var got BatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch r.URL.Path {
		case "/data/asset-1/batch":
			_, _ = io.WriteString(w, `{"columns":[{"name":"id","type":"int"}],"records":[[1],[2]]}`)
		case "/data/asset-2/batch":
			_, _ = io.WriteString(w, `{"error":{"code":"forbidden","message":"contract expired"}}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	p := NewHTTPProvider(newTestClient(t))
	req := BatchRequest{Offset: 100, BatchSize: 2, Query: map[string]interface{}{"country": "DE"}}

	res, err := p.FetchBatch(ctx, srv.URL, "asset-1", req, "tok")
	require.NoError(t, err)
	rows, ok := res.(Rows)
	require.True(t, ok)
	assert.Len(t, rows.Records, 2)
	assert.Equal(t, "id", rows.Columns[0].Name)
	assert.Equal(t, int64(100), got.Offset)
	assert.Equal(t, "DE", got.Query["country"])

	res, err = p.FetchBatch(ctx, srv.URL, "asset-2", req, "tok")
	require.NoError(t, err)
	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Equal(t, "forbidden", failure.Code)

	_, err = p.FetchBatch(ctx, srv.URL, "asset-3", req, "tok")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPProviderFetchFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/asset-1/file", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="prices.csv"`)
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	f, err := NewHTTPProvider(newTestClient(t)).FetchFile(context.Background(), srv.URL, "asset-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "prices.csv", f.Name)
	assert.Equal(t, "text/csv", f.ContentType)
	assert.Equal(t, "a,b\n1,2\n", string(f.Data))
	assert.Equal(t, "asset-1", f.AssetID)
}

func TestHTTPStorage(t *testing.T) {
	var appended [][]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/tables":
			var spec TableSpec
			require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
			assert.Equal(t, "asset-1", spec.AssetID)
			_, _ = io.WriteString(w, `{"storageId":"tbl-1","version":"v1"}`)
		case "/tables/tbl-1/rows":
			var body struct {
				Records [][]interface{} `json:"records"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			appended = body.Records
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s := NewHTTPStorage(newTestClient(t), srv.URL, "svc")

	ref, err := s.CreateTable(ctx, TableSpec{AssetID: "asset-1", Records: [][]interface{}{{1}}})
	require.NoError(t, err)
	assert.Equal(t, StorageRef{StorageID: "tbl-1", Version: "v1"}, ref)

	require.NoError(t, s.AppendRows(ctx, "tbl-1", [][]interface{}{{"x"}, {"y"}}))
	assert.Len(t, appended, 2)
}

func TestHTTPMetadataRepository(t *testing.T) {
	var published Metadata
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/metadata/asset-1":
			_, _ = io.WriteString(w, `{"distributions":[{"format":"sql","accessUrl":"https://acme.example/x"}],"monetization":[{"type":"subscription","updateFrequency":"daily"}]}`)
		case r.Method == http.MethodPut && r.URL.Path == "/metadata/asset-1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&published))
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/catalog":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	repo := NewHTTPMetadataRepository(newTestClient(t), srv.URL)

	md, err := repo.RetrieveMetadata(ctx, "asset-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "asset-1", md.AssetID)
	assert.Equal(t, "daily", md.Monetization[0].UpdateFrequency)

	md.Distributions[0].AccessURL = "http://local/storage/tbl-1"
	require.NoError(t, repo.CreateOrUpdateMetadata(ctx, md, "tok"))
	assert.Equal(t, "http://local/storage/tbl-1", published.Distributions[0].AccessURL)

	_, err = repo.RetrieveCatalog(ctx, "tok")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestHTTPNotifier(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(newTestClient(t), srv.URL, "svc").Send(context.Background(), Notification{
		UserID: "u1", Type: NotificationSyncFailed, Message: "failed",
	})
	require.NoError(t, err)
	assert.Equal(t, NotificationSyncFailed, got.Type)
}
