package azure

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	log "github.com/sirupsen/logrus"
)

// signer signs blob SAS values.
type signer interface {
	sign(sas.BlobSignatureValues) (sas.QueryParameters, error)
}

type sharedKeySigner struct {
	cred *service.SharedKeyCredential
}

func (s sharedKeySigner) sign(v sas.BlobSignatureValues) (sas.QueryParameters, error) {
	return v.SignWithSharedKey(s.cred)
}

// delegationClient issues user delegation credentials. It's implemented
// by *service.Client.
type delegationClient interface {
	GetUserDelegationCredential(ctx context.Context, info service.KeyInfo, o *service.GetUserDelegationCredentialOptions) (*service.UserDelegationCredential, error)
}

// delegationTTL is the lifetime of issued user delegation credentials.
// A credential is re-issued once less than half of it remains.
const delegationTTL = 2 * time.Hour

// delegationSigner signs with cached user delegation credentials.
type delegationSigner struct {
	client delegationClient
	now    func() time.Time

	mu   sync.Mutex
	exp  time.Time
	cred *service.UserDelegationCredential
}

func (d *delegationSigner) sign(v sas.BlobSignatureValues) (sas.QueryParameters, error) {
	var cred, err = d.credential(context.Background())
	if err != nil {
		return sas.QueryParameters{}, err
	}
	return v.SignWithUserDelegation(cred)
}

func (d *delegationSigner) credential(ctx context.Context) (*service.UserDelegationCredential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var now = d.now()
	if d.cred != nil && d.exp.After(now.Add(delegationTTL/2)) {
		return d.cred, nil
	}
	var exp = now.Add(delegationTTL)

	var info = service.KeyInfo{
		Start:  to.Ptr(now.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(exp.UTC().Format(sas.TimeFormat)),
	}
	var cred, err = d.client.GetUserDelegationCredential(ctx, info, nil)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"start": *info.Start, "expiry": *info.Expiry}).
		Info("issued Azure user delegation credential")

	d.exp, d.cred = exp, cred
	return cred, nil
}
