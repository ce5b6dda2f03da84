package bmp

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

// CapabilityStore holds the negotiated capabilities of every peer that is
// currently up on one BMP stream. Entries are created by Peer Up and removed
// by Peer Down. It is not safe for concurrent use; each Decoder owns one.
type CapabilityStore struct {
	peers map[PeerKey]bgp.Context
}

func NewCapabilityStore() *CapabilityStore {
	return &CapabilityStore{peers: make(map[PeerKey]bgp.Context)}
}

// Record negotiates the session context from the raw sent and received OPEN
// messages of a Peer Up and stores it under key, replacing any previous
// entry. Missing OPENs yield the default context. When an OPEN cannot be
// decoded the default context is stored and the error returned.
func (s *CapabilityStore) Record(key PeerKey, sent, recv []byte) (bgp.Context, error) {
	ctx := bgp.DefaultContext()
	var err error
	if len(sent) > 0 || len(recv) > 0 {
		var sentOpen, recvOpen *bgp.Open
		sentOpen, err = decodeOpen(sent)
		if err == nil {
			recvOpen, err = decodeOpen(recv)
		}
		if err == nil {
			ctx = bgp.Negotiate(sentOpen, recvOpen)
		}
	}
	s.peers[key] = ctx
	return ctx, err
}

func decodeOpen(data []byte) (*bgp.Open, error) {
	msg, err := bgp.Decode(data, bgp.DefaultContext())
	if err != nil {
		return nil, err
	}
	if msg.Type != bgp.MsgTypeOpen {
		return nil, fmt.Errorf("bmp: expected open, got %s", msg.Type)
	}
	return msg.Open, nil
}

// Forget removes the entry for key. Forgetting an unknown key is a no-op.
func (s *CapabilityStore) Forget(key PeerKey) {
	delete(s.peers, key)
}

// Lookup returns the context recorded for key.
func (s *CapabilityStore) Lookup(key PeerKey) (bgp.Context, bool) {
	ctx, ok := s.peers[key]
	return ctx, ok
}

// Len returns the number of tracked peers.
func (s *CapabilityStore) Len() int {
	return len(s.peers)
}

// Keys returns the tracked peers in a stable order.
func (s *CapabilityStore) Keys() []PeerKey {
	keys := make([]PeerKey, 0, len(s.peers))
	for k := range s.peers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, comparePeerKeys)
	return keys
}

// Reset drops every entry.
func (s *CapabilityStore) Reset() {
	clear(s.peers)
}

func comparePeerKeys(a, b PeerKey) int {
	return cmp.Or(
		a.Addr.Compare(b.Addr),
		cmp.Compare(a.Distinguisher, b.Distinguisher),
		cmp.Compare(a.Type, b.Type),
	)
}

// describeContext renders a context for logs, e.g. "as4 ipv4-unicast,ipv6-unicast addpath=ipv4-unicast".
func describeContext(ctx bgp.Context) string {
	var b strings.Builder
	if ctx.FourOctetAS {
		b.WriteString("as4")
	} else {
		b.WriteString("as2")
	}
	b.WriteByte(' ')
	b.WriteString(joinFamilies(ctx.Families))
	if len(ctx.AddPath) > 0 {
		b.WriteString(" addpath=")
		b.WriteString(joinFamilies(ctx.AddPath))
	}
	return b.String()
}

func joinFamilies(set map[bgp.Family]bool) string {
	var names []string
	for f, ok := range set {
		if ok {
			names = append(names, f.String())
		}
	}
	slices.Sort(names)
	return strings.Join(names, ",")
}
