package store

import (
	"context"
	"net/netip"

	"github.com/jackc/pgx/v5/pgconn"
)

const upsertRouterSQL = `
INSERT INTO routers (router_id, router_ip, hostname, description, first_seen, last_seen)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (router_id) DO UPDATE SET
    router_ip   = COALESCE(EXCLUDED.router_ip, routers.router_ip),
    hostname    = COALESCE(EXCLUDED.hostname, routers.hostname),
    description = COALESCE(EXCLUDED.description, routers.description),
    last_seen   = now()`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpsertRouter records router metadata from an Initiation message. Values
// already stored are kept when the new message omits them.
func UpsertRouter(ctx context.Context, db execer, routerID, routerIP, hostname, description string) error {
	_, err := db.Exec(ctx, upsertRouterSQL,
		routerID,
		nilIfEmpty(routerIP),
		nilIfEmpty(hostname),
		nilIfEmpty(description),
	)
	return err
}

// routerIP returns the router key when it is an address. Keys taken from
// OpenBMP router hashes are not.
func routerIP(routerID string) string {
	addr, err := netip.ParseAddr(routerID)
	if err != nil {
		return ""
	}
	return addr.String()
}

func addrOrNil(a netip.Addr) any {
	if !a.IsValid() {
		return nil
	}
	return a.String()
}

// rdValue stores a route distinguisher bit for bit in a BIGINT column.
func rdValue(rd uint64) int64 {
	return int64(rd)
}
