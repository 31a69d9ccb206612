package azure

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/stores"
)

const defaultBlobDomain = "blob.core.windows.net"

// Store is a stores.Store of blobs beneath a prefix of an Azure container.
type Store struct {
	storeBase
	provider string
	signer   signer
	now      func() time.Time
}

// NewAccount returns a Store of an azure://container/prefix/ URL. The
// storage account and its shared key are read from AZURE_ACCOUNT_NAME and
// AZURE_ACCOUNT_KEY.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var loc, err = parseLocation(ep, os.Getenv)
	if err != nil {
		return nil, err
	}

	var key = os.Getenv("AZURE_ACCOUNT_KEY")
	if loc.account == "" || key == "" {
		return nil, errors.New("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}

	pipelineCred, err := azblob.NewSharedKeyCredential(loc.account, key)
	if err != nil {
		return nil, err
	}
	signingCred, err := service.NewSharedKeyCredential(loc.account, key)
	if err != nil {
		return nil, err
	}

	return newStore("azure", loc, args,
		azblob.NewPipeline(pipelineCred, azblob.PipelineOptions{}),
		sharedKeySigner{cred: signingCred}), nil
}

// NewAD returns a Store of an azure-ad://tenant/account/container/prefix/
// URL. The application is authenticated by AZURE_CLIENT_ID and
// AZURE_CLIENT_SECRET, and signs reads with user delegation credentials.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var loc, err = parseLocation(ep, os.Getenv)
	if err != nil {
		return nil, err
	}

	var clientID, secret = os.Getenv("AZURE_CLIENT_ID"), os.Getenv("AZURE_CLIENT_SECRET")
	if clientID == "" || secret == "" {
		return nil, errors.New("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
	}

	cred, err := azidentity.NewClientSecretCredential(loc.tenant, clientID, secret,
		&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	if err != nil {
		return nil, err
	}
	client, err := service.NewClient(loc.accountURL(), cred, &service.ClientOptions{})
	if err != nil {
		return nil, err
	}

	var token = azblob.NewTokenCredential("", refreshToken(cred, loc.tenant))
	return newStore("azure-ad", loc, args,
		azblob.NewPipeline(token, azblob.PipelineOptions{}),
		&delegationSigner{client: client, now: time.Now}), nil
}

func newStore(provider string, loc location, args StoreQueryArgs, p pipeline.Pipeline, s signer) *Store {
	log.WithFields(log.Fields{
		"provider":   provider,
		"account":    loc.account,
		"blobDomain": loc.domain,
		"container":  loc.container,
		"prefix":     loc.prefix,
	}).Info("constructed Azure blob store")

	return &Store{
		storeBase: storeBase{
			args:           args,
			storageAccount: loc.account,
			blobDomain:     loc.domain,
			container:      loc.container,
			prefix:         loc.prefix,
			pipeline:       p,
		},
		provider: provider,
		signer:   s,
		now:      time.Now,
	}
}

func (s *Store) Provider() string { return s.provider }

// SignGet returns an HTTPS URL through which |path| may be read until |d|
// elapses.
func (s *Store) SignGet(path string, d time.Duration) (string, error) {
	var blob = s.prefix + path

	var params, err = s.signer.sign(sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    s.now().UTC().Add(d),
		ContainerName: s.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	})
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", blob, err)
	}

	log.WithFields(log.Fields{
		"provider":  s.provider,
		"container": s.container,
		"blob":      blob,
		"expires":   params.ExpiryTime(),
	}).Debug("signed blob read")

	return fmt.Sprintf("%s/%s?%s", s.containerURL(), blob, params.Encode()), nil
}

// location of a container prefix within a storage account.
type location struct {
	tenant    string
	account   string
	domain    string
	container string
	prefix    string
}

func (l location) accountURL() string { return azureStorageURL(l.account, l.domain) }

// parseLocation parses an azure:// or azure-ad:// URL, with environment
// lookups through |getenv|. AZURE_BLOB_DOMAIN selects a sovereign cloud.
func parseLocation(ep *url.URL, getenv func(string) string) (location, error) {
	var loc = location{domain: getenv("AZURE_BLOB_DOMAIN")}
	if loc.domain == "" {
		loc.domain = defaultBlobDomain
	}

	switch ep.Scheme {
	case "azure":
		loc.account = getenv("AZURE_ACCOUNT_NAME")
		loc.container = ep.Host
		loc.prefix = strings.TrimPrefix(ep.Path, "/")
	case "azure-ad":
		var parts = strings.SplitN(strings.TrimPrefix(ep.Path, "/"), "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return loc, errors.New("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
		}
		loc.tenant, loc.account, loc.container = ep.Host, parts[0], parts[1]
		if len(parts) == 3 {
			loc.prefix = parts[2]
		}
	default:
		return loc, fmt.Errorf("unsupported Azure URL scheme %q", ep.Scheme)
	}

	if loc.container == "" {
		return loc, fmt.Errorf("%s:// URL must include a container", ep.Scheme)
	} else if loc.prefix != "" && !strings.HasSuffix(loc.prefix, "/") {
		return loc, fmt.Errorf("%s:// URL prefix must end in '/': %q", ep.Scheme, loc.prefix)
	}
	return loc, nil
}

// refreshToken returns a refresher of azblob token credentials, which are
// issued by |cred| for storage scopes of |tenant|.
func refreshToken(cred azcore.TokenCredential, tenant string) func(azblob.TokenCredential) time.Duration {
	return func(tc azblob.TokenCredential) time.Duration {
		var token, err = cred.GetToken(context.Background(), policy.TokenRequestOptions{
			TenantID: tenant,
			Scopes:   []string{"https://storage.azure.com/.default"},
		})
		if err != nil {
			log.WithFields(log.Fields{"err": err, "tenant": tenant}).
				Error("failed to refresh Azure token (will retry)")
			return time.Minute
		}
		tc.SetToken(token.Token)
		return time.Until(token.ExpiresOn) - time.Minute
	}
}

var _ stores.Store = (*Store)(nil)
