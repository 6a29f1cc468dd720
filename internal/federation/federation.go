// Package federation defines the collaborators the sync subsystem talks to:
// the factory registry, the metadata repository, remote data providers,
// local storage and the notification service. HTTP implementations live
// alongside the contracts.
package federation

import (
	"context"
	"time"
)

// Factory is a federated deployment known to the registry.
type Factory struct {
	Name string `json:"name"`
	// Prefix is the base URL other factories use to reach this one
	Prefix       string `json:"prefix"`
	Organization string `json:"organization,omitempty"`
}

// Distribution is one access point of an asset.
type Distribution struct {
	ID        string `json:"id,omitempty"`
	Format    string `json:"format"`
	AccessURL string `json:"accessUrl"`
	MediaType string `json:"mediaType,omitempty"`
}

// Monetization is one commercial offer attached to an asset.
type Monetization struct {
	Type            string     `json:"type"`
	UpdateFrequency string     `json:"updateFrequency,omitempty"`
	ContractEnd     *time.Time `json:"contractEnd,omitempty"`
}

// Metadata is the subset of an asset description the sync subsystem reads and rewrites.
type Metadata struct {
	AssetID       string         `json:"assetId"`
	Title         string         `json:"title,omitempty"`
	Distributions []Distribution `json:"distributions"`
	Monetization  []Monetization `json:"monetization,omitempty"`
}

// Catalog is the local catalog that lists materialized assets.
type Catalog struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Column describes one column of a table-shaped batch.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// BatchRequest asks a provider for one page of rows.
type BatchRequest struct {
	Offset    int64                  `json:"offset"`
	BatchSize int                    `json:"batchSize"`
	Columns   []string               `json:"columns,omitempty"`
	Query     map[string]interface{} `json:"query,omitempty"`
}

// BatchResult is either Rows or Failure.
type BatchResult interface {
	batchResult()
}

// Rows is a successful page.
type Rows struct {
	Columns []Column
	Records [][]interface{}
}

// Failure is an error reported in-band by the provider.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Rows) batchResult()    {}
func (Failure) batchResult() {}

// File is a whole-file asset payload.
type File struct {
	AssetID     string `json:"assetId"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// TableSpec creates a local table seeded with its first rows.
type TableSpec struct {
	AssetID string          `json:"assetId"`
	Name    string          `json:"name"`
	Columns []Column        `json:"columns"`
	Records [][]interface{} `json:"records"`
}

// StorageRef identifies a materialized copy in local storage.
type StorageRef struct {
	StorageID string `json:"storageId"`
	Version   string `json:"version"`
}

// NotificationType classifies user notifications.
type NotificationType string

const (
	NotificationSyncSucceeded NotificationType = "sync_succeeded"
	NotificationSyncFailed    NotificationType = "sync_failed"
)

// Notification is a message for the requesting user.
type Notification struct {
	UserID         string           `json:"userId"`
	OrganizationID string           `json:"organizationId"`
	AssetID        string           `json:"assetId,omitempty"`
	Type           NotificationType `json:"type"`
	Message        string           `json:"message"`
}

// Registry resolves factories.
type Registry interface {
	// ResolveRequesterFactory returns the local factory as seen by the token holder.
	ResolveRequesterFactory(ctx context.Context, token string) (*Factory, error)
	ResolveProviderFactory(ctx context.Context, name, token string) (*Factory, error)
}

// MetadataRepository reads and writes asset metadata and the local catalog.
type MetadataRepository interface {
	RetrieveMetadata(ctx context.Context, assetID, token string) (*Metadata, error)
	CreateOrUpdateMetadata(ctx context.Context, md *Metadata, token string) error
	RetrieveCatalog(ctx context.Context, token string) (*Catalog, error)
	CreateCatalog(ctx context.Context, catalog *Catalog, token string) error
}

// Provider is a remote factory's data API.
type Provider interface {
	FetchBatch(ctx context.Context, providerPrefix, assetID string, req BatchRequest, token string) (BatchResult, error)
	FetchFile(ctx context.Context, providerPrefix, assetID, token string) (*File, error)
}

// Storage is the local storage service.
type Storage interface {
	CreateTable(ctx context.Context, spec TableSpec) (StorageRef, error)
	// AppendRows returns only once the rows are durable.
	AppendRows(ctx context.Context, storageID string, records [][]interface{}) error
	StoreFile(ctx context.Context, file File) (StorageRef, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
