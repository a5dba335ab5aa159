package dht

import (
	"net"

	"github.com/mainline-go/dht/dht/krpc"
)

func (k RequestKind) String() string {
	switch k {
	case KindPing:
		return krpc.MethodPing
	case KindFindNode:
		return krpc.MethodFindNode
	case KindGetPeers:
		return krpc.MethodGetPeers
	case KindAnnouncePeer:
		return krpc.MethodAnnouncePeer
	case KindGetValue:
		return krpc.MethodGet
	case KindPutImmutable, KindPutMutable:
		return krpc.MethodPut
	default:
		return "unknown"
	}
}

func requestToMsg(txid string, localID Id, req *Request, serverMode bool) *krpc.Msg {
	a := Args2ID(localID)
	args := &a

	switch req.Kind {
	case KindPing:
		// id only
	case KindFindNode:
		args.Target = req.Target
	case KindGetPeers:
		args.InfoHash = req.Target
	case KindAnnouncePeer:
		args.InfoHash = req.Target
		args.Token = req.Token
		args.Port = req.Port
		if req.ImpliedPort {
			args.ImpliedPort = 1
		}
	case KindGetValue:
		args.Target = req.Target
	case KindPutImmutable:
		args.Token = req.Token
		args.V = string(req.Value)
	case KindPutMutable:
		args.Token = req.Token
		args.V = string(req.Value)
		args.Seq = req.Seq
		if len(req.Salt) > 0 {
			args.Salt = string(req.Salt)
		}
		args.Cas = req.Cas
		args.K = append([]byte(nil), req.PublicKey[:]...)
		args.Sig = append([]byte(nil), req.Signature[:]...)
	}

	msg := &krpc.Msg{T: txid, Y: krpc.TypeQuery, Q: req.Kind.String(), A: args}
	_ = serverMode
	return msg
}

// Args2ID builds an Args with only the ID field set.
func Args2ID(id Id) krpc.Args {
	var a krpc.Args
	copy(a.ID[:], id[:])
	return a
}

func responseToMsg(txid string, localID Id, resp *OutboundResponse, serverMode bool) *krpc.Msg {
	ret := &krpc.Return{}
	copy(ret.ID[:], localID[:])
	ret.Token = resp.Token
	ret.Nodes = nodesToCompact(resp.Nodes)
	if resp.Values != nil {
		ret.Values = make([]krpc.CompactAddr, len(resp.Values))
		for i, a := range resp.Values {
			ret.Values[i] = krpc.NewCompactAddr(a)
		}
	}
	if resp.Value != nil {
		ret.V = string(resp.Value)
	}
	ret.Seq = resp.Seq
	if resp.Seq != nil {
		ret.K = append([]byte(nil), resp.PublicKey[:]...)
		ret.Sig = append([]byte(nil), resp.Signature[:]...)
	}

	_ = serverMode
	return &krpc.Msg{T: txid, Y: krpc.TypeResponse, R: ret}
}

func nodesToCompact(nodes []*Node) krpc.CompactNodeInfo {
	if len(nodes) == 0 {
		return nil
	}
	out := make(krpc.CompactNodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Addr == nil {
			continue
		}
		var entry krpc.CompactNode
		copy(entry.ID[:], n.ID[:])
		entry.Addr = krpc.NewCompactAddr(n.Addr)
		out = append(out, entry)
	}
	return out
}

func compactToNodes(c krpc.CompactNodeInfo) []*Node {
	out := make([]*Node, 0, len(c))
	for _, e := range c {
		var id Id
		copy(id[:], e.ID[:])
		out = append(out, &Node{ID: id, Addr: e.Addr.UDPAddr()})
	}
	return out
}

func msgToInboundRequest(msg *krpc.Msg, from *net.UDPAddr) *InboundRequest {
	if msg.A == nil {
		return nil
	}
	var senderID Id
	copy(senderID[:], msg.A.ID[:])

	req := Request{}
	switch msg.Q {
	case krpc.MethodPing:
		req.Kind = KindPing
	case krpc.MethodFindNode:
		req.Kind = KindFindNode
		copy(req.Target[:], msg.A.Target[:])
	case krpc.MethodGetPeers:
		req.Kind = KindGetPeers
		copy(req.Target[:], msg.A.InfoHash[:])
	case krpc.MethodAnnouncePeer:
		req.Kind = KindAnnouncePeer
		copy(req.Target[:], msg.A.InfoHash[:])
		req.Token = msg.A.Token
		req.Port = msg.A.Port
		req.ImpliedPort = msg.A.ImpliedPort != 0
	case krpc.MethodGet:
		req.Kind = KindGetValue
		copy(req.Target[:], msg.A.Target[:])
	case krpc.MethodPut:
		req.Token = msg.A.Token
		req.Value = []byte(msg.A.V)
		req.Salt = []byte(msg.A.Salt)
		req.Seq = msg.A.Seq
		req.Cas = msg.A.Cas
		if len(msg.A.K) == 32 {
			req.Kind = KindPutMutable
			copy(req.PublicKey[:], msg.A.K)
			copy(req.Signature[:], msg.A.Sig)
		} else {
			req.Kind = KindPutImmutable
		}
	default:
		return nil
	}

	return &InboundRequest{
		Request: req,
		From:    &Node{ID: senderID, Addr: from},
		Txid:    msg.T,
	}
}

func msgToResponse(msg *krpc.Msg, pend *pendingRequest) *Response {
	resp := &Response{Kind: pend.kind, From: pend.node}
	if msg.IP != (krpc.CompactAddr{}) {
		resp.RequesterIP = msg.IP.UDPAddr().IP
	}
	if msg.R == nil {
		return resp
	}

	var id Id
	copy(id[:], msg.R.ID[:])
	resp.From = &Node{ID: id, Addr: pend.dest}
	resp.Token = msg.R.Token
	resp.Nodes = compactToNodes(msg.R.Nodes)
	for _, v := range msg.R.Values {
		resp.Values = append(resp.Values, v.UDPAddr())
	}
	if msg.R.V != "" {
		resp.Value = []byte(msg.R.V)
	}
	resp.Seq = msg.R.Seq
	if len(msg.R.K) == 32 {
		copy(resp.PublicKey[:], msg.R.K)
	}
	if len(msg.R.Sig) == 64 {
		copy(resp.Signature[:], msg.R.Sig)
	}
	return resp
}
