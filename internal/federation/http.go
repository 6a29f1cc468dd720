package federation

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/ajitpratap0/marketsync/pkg/clients"
	"github.com/ajitpratap0/marketsync/pkg/errors"
)

func joinURL(base string, parts ...string) string {
	u := strings.TrimRight(base, "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// HTTPRegistry is a Registry backed by the registry service.
type HTTPRegistry struct {
	client  *clients.HTTPClient
	baseURL string
}

func NewHTTPRegistry(client *clients.HTTPClient, baseURL string) *HTTPRegistry {
	return &HTTPRegistry{client: client, baseURL: baseURL}
}

func (r *HTTPRegistry) ResolveRequesterFactory(ctx context.Context, token string) (*Factory, error) {
	var f Factory
	err := r.client.DoJSON(ctx, clients.Request{
		URL:   joinURL(r.baseURL, "factories", "me"),
		Token: token,
	}, &f)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *HTTPRegistry) ResolveProviderFactory(ctx context.Context, name, token string) (*Factory, error) {
	var f Factory
	err := r.client.DoJSON(ctx, clients.Request{
		URL:   joinURL(r.baseURL, "factories", "by-name", name),
		Token: token,
	}, &f)
	if err != nil {
		return nil, err
	}
	if f.Prefix == "" {
		return nil, errors.Newf(errors.ErrorTypeValidation, "factory %q has no prefix", name)
	}
	return &f, nil
}

// HTTPMetadataRepository is a MetadataRepository backed by the metadata service.
type HTTPMetadataRepository struct {
	client  *clients.HTTPClient
	baseURL string
}

func NewHTTPMetadataRepository(client *clients.HTTPClient, baseURL string) *HTTPMetadataRepository {
	return &HTTPMetadataRepository{client: client, baseURL: baseURL}
}

func (m *HTTPMetadataRepository) RetrieveMetadata(ctx context.Context, assetID, token string) (*Metadata, error) {
	var md Metadata
	err := m.client.DoJSON(ctx, clients.Request{
		URL:   joinURL(m.baseURL, "metadata", assetID),
		Token: token,
	}, &md)
	if err != nil {
		return nil, err
	}
	if md.AssetID == "" {
		md.AssetID = assetID
	}
	return &md, nil
}

func (m *HTTPMetadataRepository) CreateOrUpdateMetadata(ctx context.Context, md *Metadata, token string) error {
	return m.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPut,
		URL:    joinURL(m.baseURL, "metadata", md.AssetID),
		Token:  token,
		Body:   md,
	}, nil)
}

func (m *HTTPMetadataRepository) RetrieveCatalog(ctx context.Context, token string) (*Catalog, error) {
	var c Catalog
	err := m.client.DoJSON(ctx, clients.Request{
		URL:   joinURL(m.baseURL, "catalog"),
		Token: token,
	}, &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *HTTPMetadataRepository) CreateCatalog(ctx context.Context, catalog *Catalog, token string) error {
	return m.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(m.baseURL, "catalog"),
		Token:  token,
		Body:   catalog,
	}, nil)
}

// HTTPProvider calls the data API of a remote factory.
type HTTPProvider struct {
	client *clients.HTTPClient
}

func NewHTTPProvider(client *clients.HTTPClient) *HTTPProvider {
	return &HTTPProvider{client: client}
}

type batchResponse struct {
	Columns []Column        `json:"columns"`
	Records [][]interface{} `json:"records"`
	Error   *Failure        `json:"error,omitempty"`
}

func (p *HTTPProvider) FetchBatch(ctx context.Context, providerPrefix, assetID string, req BatchRequest, token string) (BatchResult, error) {
	var resp batchResponse
	err := p.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(providerPrefix, "data", assetID, "batch"),
		Token:  token,
		Body:   req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return *resp.Error, nil
	}
	return Rows{Columns: resp.Columns, Records: resp.Records}, nil
}

func (p *HTTPProvider) FetchFile(ctx context.Context, providerPrefix, assetID, token string) (*File, error) {
	body, header, err := p.client.Do(ctx, clients.Request{
		URL:   joinURL(providerPrefix, "data", assetID, "file"),
		Token: token,
	})
	if err != nil {
		return nil, err
	}

	name := assetID
	if _, params, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &File{
		AssetID:     assetID,
		Name:        name,
		ContentType: contentType,
		Data:        body,
	}, nil
}

// HTTPStorage is the local storage service.
type HTTPStorage struct {
	client  *clients.HTTPClient
	baseURL string
	token   string
}

func NewHTTPStorage(client *clients.HTTPClient, baseURL, serviceToken string) *HTTPStorage {
	return &HTTPStorage{client: client, baseURL: baseURL, token: serviceToken}
}

func (s *HTTPStorage) CreateTable(ctx context.Context, spec TableSpec) (StorageRef, error) {
	var ref StorageRef
	err := s.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(s.baseURL, "tables"),
		Token:  s.token,
		Body:   spec,
	}, &ref)
	if err != nil {
		return StorageRef{}, err
	}
	if ref.StorageID == "" {
		return StorageRef{}, errors.New(errors.ErrorTypeInternal, "storage returned an empty storage id").
			WithDetail("asset_id", spec.AssetID)
	}
	return ref, nil
}

func (s *HTTPStorage) AppendRows(ctx context.Context, storageID string, records [][]interface{}) error {
	return s.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(s.baseURL, "tables", storageID, "rows"),
		Token:  s.token,
		Body:   map[string]interface{}{"records": records},
	}, nil)
}

func (s *HTTPStorage) StoreFile(ctx context.Context, file File) (StorageRef, error) {
	var ref StorageRef
	err := s.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(s.baseURL, "files"),
		Token:  s.token,
		Body:   file,
	}, &ref)
	if err != nil {
		return StorageRef{}, err
	}
	return ref, nil
}

// HTTPNotifier posts notifications to the notification service.
type HTTPNotifier struct {
	client  *clients.HTTPClient
	baseURL string
	token   string
}

func NewHTTPNotifier(client *clients.HTTPClient, baseURL, serviceToken string) *HTTPNotifier {
	return &HTTPNotifier{client: client, baseURL: baseURL, token: serviceToken}
}

func (n *HTTPNotifier) Send(ctx context.Context, notification Notification) error {
	return n.client.DoJSON(ctx, clients.Request{
		Method: http.MethodPost,
		URL:    joinURL(n.baseURL, "notifications"),
		Token:  n.token,
		Body:   notification,
	}, nil)
}
