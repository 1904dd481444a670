package conn

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ikenchina/fdwxact/tc/app/catalog"
)

const applicationName = "fdwxact"

// PgDialer connects to postgres endpoints. Endpoint.Address is a keyword/value
// conninfo string; endpoint and credential options are appended to it.
type PgDialer struct {
	ConnectTimeout time.Duration
}

func (d *PgDialer) connString(ep *catalog.Endpoint, cred *catalog.Credential) string {
	parts := []string{ep.Address}
	parts = append(parts, sortedOptions(ep.Options)...)
	parts = append(parts, sortedOptions(cred.Options)...)
	if cred.User != "" {
		parts = append(parts, "user="+quoteConnValue(cred.User))
	}
	if cred.Secret != "" {
		parts = append(parts, "password="+quoteConnValue(cred.Secret))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func sortedOptions(opts map[string]string) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+quoteConnValue(opts[k]))
	}
	return out
}

func quoteConnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (d *PgDialer) Dial(ctx context.Context, ep *catalog.Endpoint, cred *catalog.Credential) (Remote, error) {
	cfg, err := pgconn.ParseConfig(d.connString(ep, cred))
	if err != nil {
		return nil, err
	}
	if d.ConnectTimeout > 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = applicationName
	}

	c, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgRemote{conn: c}, nil
}

type pgRemote struct {
	conn *pgconn.PgConn
}

func (r *pgRemote) Exec(ctx context.Context, command string) ([]*Result, error) {
	results, err := r.conn.Exec(ctx, command).ReadAll()
	out := make([]*Result, 0, len(results))
	for _, res := range results {
		if res.Err != nil && err == nil {
			err = res.Err
		}
		out = append(out, &Result{
			CommandTag: res.CommandTag.String(),
			Rows:       res.Rows,
		})
	}
	return out, err
}

func (r *pgRemote) TxStatus() byte {
	return r.conn.TxStatus()
}

func (r *pgRemote) IsBusy() bool {
	return r.conn.IsBusy()
}

func (r *pgRemote) CancelRequest(ctx context.Context) error {
	return r.conn.CancelRequest(ctx)
}

func (r *pgRemote) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

func (r *pgRemote) IsClosed() bool {
	return r.conn.IsClosed()
}
