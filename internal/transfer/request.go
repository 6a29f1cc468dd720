package transfer

import (
	"strings"
	"time"
)

// Distribution formats with special handling. Anything else is file-shaped.
const (
	FormatSQL   = "sql"
	FormatTable = "table"
	FormatKafka = "kafka"
)

// Requester identifies the consumer a transfer runs for.
type Requester struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}

// Terms are the purchase terms relevant to synchronization.
type Terms struct {
	Subscription    bool       `json:"subscription"`
	UpdateFrequency string     `json:"updateFrequency,omitempty"`
	ContractEnd     *time.Time `json:"contractEnd,omitempty"`
}

// Request is one transfer of one asset.
type Request struct {
	AssetID            string    `json:"assetId"`
	Requester          Requester `json:"requester"`
	AuthToken          string    `json:"authToken"`
	Terms              Terms     `json:"terms"`
	DistributionFormat string    `json:"distributionFormat"`
	ProviderName       string    `json:"providerName"`
}

// IsStream reports whether the asset is a live Kafka stream.
func (r Request) IsStream() bool {
	return strings.EqualFold(r.DistributionFormat, FormatKafka)
}

// Result summarizes a finished transfer.
type Result struct {
	AssetID       string
	StorageID     string
	Offset        int64
	Batches       int
	RowsCommitted int64
	File          bool
	// Warnings lists best-effort steps that failed; the data itself was stored
	Warnings []string
}

// Partial reports whether some bookkeeping step failed.
func (r *Result) Partial() bool {
	return len(r.Warnings) > 0
}

type shape int

const (
	shapeTable shape = iota
	shapeFile
	shapeStream
)

func shapeOf(format string) shape {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatSQL, FormatTable:
		return shapeTable
	case FormatKafka:
		return shapeStream
	default:
		return shapeFile
	}
}

func (s shape) String() string {
	switch s {
	case shapeFile:
		return "file"
	case shapeStream:
		return "stream"
	default:
		return "table"
	}
}
