package orchestrator

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/credentialstore"
	"github.com/KashCal/KashCal-sub000/internal/occurrence"
	"github.com/KashCal/KashCal-sub000/internal/pendingqueue"
	"github.com/KashCal/KashCal-sub000/internal/pull"
	"github.com/KashCal/KashCal-sub000/internal/push"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
)

// ClientFactory builds the real per-calendar strategies: a wire client
// carrying the account's keychain credentials and the quirks profile for
// the account's host, shared pending queue underneath.
type ClientFactory struct {
	store   storage.Store
	creds   credentialstore.Store
	quirks  *quirks.Registry
	queue   *pendingqueue.Queue
	occ     occurrence.Generator
	cfg     config.SyncConfig
	prodID  string
	logger  zerolog.Logger
}

func NewClientFactory(store storage.Store, creds credentialstore.Store, reg *quirks.Registry, queue *pendingqueue.Queue, occ occurrence.Generator, cfg config.SyncConfig, prodID string, logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		store:  store,
		creds:  creds,
		quirks: reg,
		queue:  queue,
		occ:    occ,
		cfg:    cfg,
		prodID: prodID,
		logger: logger,
	}
}

func (f *ClientFactory) ForCalendar(ctx context.Context, account *storage.Account, cal *storage.Calendar) (PushRunner, PullRunner, error) {
	creds, ok := f.creds.Load(account.ID)
	if !ok {
		return nil, nil, fmt.Errorf("orchestrator: no credentials stored for account %d", account.ID)
	}

	host := ""
	if u, err := url.Parse(cal.CaldavURL); err == nil {
		host = u.Hostname()
	}
	profile := f.quirks.Resolve(host, string(account.Provider))

	client := caldavclient.New(account.HomeSetURL, caldavclient.Credentials{
		Username: creds.Username,
		Password: creds.Password,
	}, nil)
	client.SetOmitReportDepth(!profile.RequiresDepthHeader)

	pusher := push.New(f.store, f.queue, client, profile, f.prodID, f.cfg, f.logger)
	puller := pull.New(f.store, client, profile, f.occ, f.cfg, f.logger)
	return pusher, puller, nil
}
