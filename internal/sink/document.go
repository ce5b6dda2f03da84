package sink

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/route-beacon/bmp-collector/internal/bgp"
	"github.com/route-beacon/bmp-collector/internal/bmp"
)

// Document is the JSON form of an Event, used for the events topic, the
// file sink and the decode command.
type Document struct {
	Router   string    `json:"router,omitempty"`
	Session  string    `json:"session,omitempty"`
	Source   string    `json:"source,omitempty"`
	Received time.Time `json:"received"`
	Type     string    `json:"type"`
	Error    string    `json:"error,omitempty"`

	Peer        *PeerDoc          `json:"peer,omitempty"`
	TableName   string            `json:"table_name,omitempty"`
	EndOfRIB    string            `json:"end_of_rib,omitempty"`
	Routes      []RouteDoc        `json:"routes,omitempty"`
	Stats       []StatDoc         `json:"stats,omitempty"`
	PeerUp      *PeerUpDoc        `json:"peer_up,omitempty"`
	PeerDown    *PeerDownDoc      `json:"peer_down,omitempty"`
	Information map[string]string `json:"information,omitempty"`
	Mirrored    []MirrorDoc       `json:"mirrored,omitempty"`
	BodyBytes   int               `json:"body_bytes,omitempty"`
}

type PeerDoc struct {
	Type          string    `json:"type"`
	Address       string    `json:"address"`
	Distinguisher uint64    `json:"distinguisher,omitempty"`
	AS            uint32    `json:"as"`
	BGPID         string    `json:"bgp_id"`
	PostPolicy    bool      `json:"post_policy,omitempty"`
	LegacyASPath  bool      `json:"legacy_as_path,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type RouteDoc struct {
	AFI       int               `json:"afi"`
	Prefix    string            `json:"prefix"`
	PathID    int64             `json:"path_id,omitempty"`
	Action    string            `json:"action"`
	Nexthop   string            `json:"nexthop,omitempty"`
	ASPath    string            `json:"as_path,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	LocalPref *uint32           `json:"local_pref,omitempty"`
	MED       *uint32           `json:"med,omitempty"`
	CommStd   []string          `json:"communities,omitempty"`
	CommExt   []string          `json:"ext_communities,omitempty"`
	CommLarge []string          `json:"large_communities,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

type StatDoc struct {
	Type   uint16 `json:"type"`
	Family string `json:"family,omitempty"`
	Value  uint64 `json:"value"`
	Raw    []byte `json:"raw,omitempty"`
}

type PeerUpDoc struct {
	LocalAddr    string `json:"local_addr"`
	LocalPort    uint16 `json:"local_port"`
	RemotePort   uint16 `json:"remote_port"`
	SentOpen     bool   `json:"sent_open"`
	ReceivedOpen bool   `json:"received_open"`
}

type PeerDownDoc struct {
	Reason       string `json:"reason"`
	Notification string `json:"notification,omitempty"`
	FSMEvent     uint16 `json:"fsm_event,omitempty"`
}

type MirrorDoc struct {
	Type     uint16  `json:"type"`
	BGPType  string  `json:"bgp_type,omitempty"`
	InfoCode *uint16 `json:"info_code,omitempty"`
}

// NewDocument converts ev into its JSON form.
func NewDocument(ev *Event) *Document {
	doc := &Document{
		Router:   ev.Router,
		Session:  ev.Session,
		Source:   ev.Source,
		Received: ev.Received,
	}
	if ev.Err != nil {
		doc.Error = ev.Err.Error()
	}
	if ev.Message == nil {
		doc.Type = "undecodable"
		return doc
	}
	doc.Type = ev.Message.MsgType().String()
	if peer := bmp.PeerHeaderOf(ev.Message); peer != nil {
		doc.Peer = newPeerDoc(peer)
	}

	switch m := ev.Message.(type) {
	case *bmp.RouteMonitoring:
		doc.TableName = m.TableName()
		if m.BGP != nil && m.BGP.Update != nil {
			if m.BGP.Update.IsEndOfRIB() {
				doc.EndOfRIB = m.BGP.Update.EndOfRIBFamily().String()
			} else {
				doc.Routes = newRouteDocs(m.BGP.Update.Routes())
			}
		}
	case *bmp.StatisticsReport:
		for _, st := range m.Stats {
			sd := StatDoc{Type: uint16(st.Type), Value: st.Value, Raw: st.Raw}
			if st.Family != (bgp.Family{}) {
				sd.Family = st.Family.String()
			}
			doc.Stats = append(doc.Stats, sd)
		}
	case *bmp.PeerUpNotification:
		doc.PeerUp = &PeerUpDoc{
			LocalAddr:    m.LocalAddr.String(),
			LocalPort:    m.LocalPort,
			RemotePort:   m.RemotePort,
			SentOpen:     m.RawSentOpen != nil,
			ReceivedOpen: m.RawReceivedOpen != nil,
		}
		doc.Information = infoMap(m.Information, initiationNames)
	case *bmp.PeerDownNotification:
		pd := &PeerDownDoc{Reason: m.Reason.String(), FSMEvent: m.FSMEvent}
		if m.Notification != nil && m.Notification.Notification != nil {
			pd.Notification = m.Notification.Notification.String()
		}
		doc.PeerDown = pd
		doc.Information = infoMap(m.TLVs, initiationNames)
	case *bmp.Initiation:
		doc.Information = infoMap(m.Information, initiationNames)
	case *bmp.Termination:
		doc.Information = infoMap(m.Information, terminationNames)
	case *bmp.RouteMirroring:
		for i := range m.TLVs {
			tlv := &m.TLVs[i]
			md := MirrorDoc{Type: uint16(tlv.Type)}
			if tlv.BGP != nil {
				md.BGPType = tlv.BGP.Type.String()
			}
			if code, ok := tlv.InfoCode(); ok {
				md.InfoCode = &code
			}
			doc.Mirrored = append(doc.Mirrored, md)
		}
	case *bmp.UnknownMessage:
		doc.BodyBytes = len(m.Body)
	}
	return doc
}

// Encode returns the JSON document for ev.
func Encode(ev *Event) ([]byte, error) {
	return json.Marshal(NewDocument(ev))
}

func newPeerDoc(h *bmp.PeerHeader) *PeerDoc {
	return &PeerDoc{
		Type:          h.Type.String(),
		Address:       h.Address.String(),
		Distinguisher: h.Distinguisher,
		AS:            h.AS,
		BGPID:         h.BGPID.String(),
		PostPolicy:    h.Flags.PostPolicy(),
		LegacyASPath:  h.Flags.LegacyASPath(),
		Timestamp:     h.Timestamp,
	}
}

func newRouteDocs(events []*bgp.RouteEvent) []RouteDoc {
	docs := make([]RouteDoc, 0, len(events))
	for _, ev := range events {
		docs = append(docs, RouteDoc{
			AFI:       ev.AFI,
			Prefix:    ev.Prefix,
			PathID:    ev.PathID,
			Action:    ev.Action,
			Nexthop:   ev.Nexthop,
			ASPath:    ev.ASPath,
			Origin:    ev.Origin,
			LocalPref: ev.LocalPref,
			MED:       ev.MED,
			CommStd:   ev.CommStd,
			CommExt:   ev.CommExt,
			CommLarge: ev.CommLarge,
			Attrs:     ev.Attrs,
		})
	}
	return docs
}

var initiationNames = map[bmp.InfoType]string{
	bmp.InfoTypeString:   "string",
	bmp.InfoTypeSysDescr: "sys_descr",
	bmp.InfoTypeSysName:  "sys_name",
}

var terminationNames = map[bmp.InfoType]string{
	bmp.TermTypeString: "string",
	bmp.TermTypeReason: "reason",
}

func infoMap(tlvs []bmp.InformationTLV, names map[bmp.InfoType]string) map[string]string {
	if len(tlvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(tlvs))
	for _, tlv := range tlvs {
		name, ok := names[tlv.Type]
		if !ok {
			name = "type_" + strconv.Itoa(int(tlv.Type))
		}
		// The termination reason is a 2-byte code, not text.
		if name == "reason" && len(tlv.Value) == 2 {
			out[name] = strconv.Itoa(int(binary.BigEndian.Uint16(tlv.Value)))
			continue
		}
		out[name] = string(tlv.Value)
	}
	return out
}
