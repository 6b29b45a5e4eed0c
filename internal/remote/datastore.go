package remote

import (
	"context"
	"fmt"

	"github.com/roach88/docsync/internal/model"
)

// Datastore issues one-shot requests outside the persistent streams.
type Datastore struct {
	conn     Connection
	auth     CredentialsProvider
	appCheck CredentialsProvider
}

// NewDatastore creates a Datastore. Nil providers mean no credentials.
func NewDatastore(conn Connection, auth, appCheck CredentialsProvider) *Datastore {
	if auth == nil {
		auth = EmptyCredentials{}
	}
	if appCheck == nil {
		appCheck = EmptyCredentials{}
	}
	return &Datastore{conn: conn, auth: auth, appCheck: appCheck}
}

// Lookup fetches keys from the server. Documents come back in key order;
// keys the server does not have come back as no-documents. An
// unauthenticated failure invalidates both credential providers so the
// next call fetches fresh tokens.
func (d *Datastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.MutableDocument, error) {
	authToken, err := d.auth.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup: auth token: %w", err)
	}
	appCheckToken, err := d.appCheck.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup: app check token: %w", err)
	}

	docs, err := d.conn.Lookup(ctx, authToken, appCheckToken, keys)
	if err != nil {
		if IsUnauthenticated(err) {
			d.auth.InvalidateToken()
			d.appCheck.InvalidateToken()
		}
		return nil, fmt.Errorf("lookup: %w", err)
	}

	byKey := make(map[model.DocumentKey]*model.MutableDocument, len(docs))
	for _, doc := range docs {
		byKey[doc.Key()] = doc
	}
	out := make([]*model.MutableDocument, 0, len(keys))
	for _, k := range keys {
		doc, ok := byKey[k]
		if !ok {
			return nil, Errorf(CodeInternal, "lookup: missing result for %s", k)
		}
		out = append(out, doc)
	}
	return out, nil
}
