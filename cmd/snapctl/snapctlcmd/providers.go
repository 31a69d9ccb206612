package snapctlcmd

import (
	"net/url"

	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/backend/docdb"
	"go.snapstore.dev/core/backend/local"
	"go.snapstore.dev/core/backend/objectstore"
	"go.snapstore.dev/core/backend/sqldb"
	"go.snapstore.dev/core/stores"
	"go.snapstore.dev/core/stores/azure"
	"go.snapstore.dev/core/stores/fs"
	"go.snapstore.dev/core/stores/gcs"
	"go.snapstore.dev/core/stores/s3"
)

// RegisterProviders registers every blob store and backend by URL scheme.
func RegisterProviders() {
	stores.RegisterProviders(map[string]stores.Constructor{
		"azure":    azure.NewAccount,
		"azure-ad": azure.NewAD,
		"file":     fs.New,
		"gs":       gcs.New,
		"mem":      newMemoryStore,
		"s3":       s3.New,
	})
	backend.RegisterProviders(map[string]backend.Constructor{
		"azure":       objectstore.Open,
		"azure-ad":    objectstore.Open,
		"file":        local.Open,
		"gs":          objectstore.Open,
		"mem":         objectstore.Open,
		"mongodb":     docdb.Open,
		"mongodb+srv": docdb.Open,
		"postgres":    sqldb.Open,
		"postgresql":  sqldb.Open,
		"s3":          objectstore.Open,
		"sqlite":      sqldb.Open,
	})
}

func newMemoryStore(ep *url.URL) (stores.Store, error) { return stores.NewMemoryStore(ep), nil }
