package bgp

import (
	"encoding/binary"
	"fmt"
)

// Update is a decoded BGP UPDATE message.
type Update struct {
	Withdrawn  []Prefix // IPv4 unicast withdrawn routes
	Attributes *PathAttributes
	NLRI       []Prefix // IPv4 unicast announcements

	// Unnegotiated lists MP families present in the UPDATE that the session
	// context does not include. They are decoded anyway.
	Unnegotiated []Family
}

// ParseUpdate parses a complete BGP UPDATE message including its 19-byte header.
func ParseUpdate(data []byte, ctx Context) (*Update, error) {
	msg, err := Decode(data, ctx)
	if err != nil {
		return nil, err
	}
	if msg.Type != MsgTypeUpdate {
		return nil, fmt.Errorf("bgp: expected update, got %s", msg.Type)
	}
	return msg.Update, nil
}

// ParseUpdatePayload parses an UPDATE body (after the 19-byte BGP header).
func ParseUpdatePayload(data []byte, ctx Context) (*Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	offset := 0

	// Withdrawn routes length.
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}

	v4AddPath := ctx.HasAddPath(FamilyIPv4Unicast)

	withdrawn, err := parsePrefixes(data[offset:offset+withdrawnLen], 4, v4AddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	// Total path attribute length.
	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", totalPathAttrLen)
	}

	attrs, err := ParsePathAttributes(data[offset:offset+totalPathAttrLen], ctx)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += totalPathAttrLen

	nlri, err := parsePrefixes(data[offset:], 4, v4AddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: nlri: %w", err)
	}

	u := &Update{
		Withdrawn:  withdrawn,
		Attributes: attrs,
		NLRI:       nlri,
	}
	if attrs.MPReach != nil && !ctx.Negotiated(attrs.MPReach.Family) {
		u.Unnegotiated = append(u.Unnegotiated, attrs.MPReach.Family)
	}
	if attrs.MPUnreach != nil && !ctx.Negotiated(attrs.MPUnreach.Family) {
		u.Unnegotiated = append(u.Unnegotiated, attrs.MPUnreach.Family)
	}
	return u, nil
}

// IsEndOfRIB reports whether the UPDATE is an End-of-RIB marker (RFC 4724):
// an empty IPv4 UPDATE, or one carrying only an empty MP_UNREACH_NLRI.
func (u *Update) IsEndOfRIB() bool {
	if len(u.Withdrawn) != 0 || len(u.NLRI) != 0 {
		return false
	}
	a := u.Attributes
	if a == nil || (a.MPReach == nil && a.MPUnreach == nil && len(a.ASPath) == 0 && a.Origin == "") {
		return true
	}
	return a.MPReach == nil && a.MPUnreach != nil && len(a.MPUnreach.NLRI) == 0
}

// EndOfRIBFamily returns the address family of an End-of-RIB marker.
func (u *Update) EndOfRIBFamily() Family {
	if u.Attributes != nil && u.Attributes.MPUnreach != nil {
		return u.Attributes.MPUnreach.Family
	}
	return FamilyIPv4Unicast
}

// Routes flattens the UPDATE into one event per prefix.
func (u *Update) Routes() []*RouteEvent {
	attrs := u.Attributes
	if attrs == nil {
		attrs = &PathAttributes{}
	}
	asPath := attrs.EffectiveASPath().String()

	announce := func(afi int, p Prefix, nexthop string) *RouteEvent {
		return &RouteEvent{
			AFI:       afi,
			Prefix:    p.String(),
			PathID:    int64(p.PathID),
			Action:    "A",
			Nexthop:   nexthop,
			ASPath:    asPath,
			Origin:    attrs.Origin,
			LocalPref: attrs.LocalPref,
			MED:       attrs.MED,
			CommStd:   attrs.CommStd,
			CommExt:   attrs.CommExt,
			CommLarge: attrs.CommLarge,
			Attrs:     attrs.Attrs,
		}
	}
	withdraw := func(afi int, p Prefix) *RouteEvent {
		return &RouteEvent{
			AFI:    afi,
			Prefix: p.String(),
			PathID: int64(p.PathID),
			Action: "D",
		}
	}

	var events []*RouteEvent

	for _, p := range u.Withdrawn {
		events = append(events, withdraw(4, p))
	}
	for _, p := range u.NLRI {
		events = append(events, announce(4, p, attrs.Nexthop))
	}

	// MP_REACH_NLRI announcements (IPv4/IPv6).
	if r := attrs.MPReach; r != nil {
		if afi := afiToVersion(r.Family.AFI); afi != 0 {
			for _, p := range r.NLRI {
				events = append(events, announce(afi, p, r.Nexthop))
			}
		}
	}

	// MP_UNREACH_NLRI withdrawals (IPv4/IPv6).
	if r := attrs.MPUnreach; r != nil {
		if afi := afiToVersion(r.Family.AFI); afi != 0 {
			for _, p := range r.NLRI {
				events = append(events, withdraw(afi, p))
			}
		}
	}

	return events
}
