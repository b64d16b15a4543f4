package resolver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/wire"

	"github.com/miekg/dns"
)

const (
	minUDPReplySize = 512
	maxTCPReplySize = dns.MaxMsgSize
)

// ResolveBytes answers a raw wire-format query, the entry point for servers
// feeding packets straight off a socket. Malformed queries get a FORMERR
// reply when the header is recoverable, otherwise an error.
func (r *Resolver) ResolveBytes(ctx context.Context, data []byte, clientIP net.IP,
	protocol model.RequestProtocol,
) ([]byte, error) {
	req, err := wire.Decode(data)
	if err != nil {
		var decodeErr *wire.DecodeError
		if errors.As(err, &decodeErr) {
			return formErrReply(data, protocol)
		}

		return nil, err
	}

	request := &model.Request{
		ClientIP:  clientIP,
		Protocol:  protocol,
		Req:       req,
		Log:       log.Log().WithField("client", clientIP),
		RequestTS: time.Now(),
	}

	response, err := r.Resolve(ctx, request)
	if err != nil {
		reply := new(dns.Msg)
		reply.SetRcode(req, dns.RcodeServerFailure)

		return wire.Encode(reply, replyBudget(req, protocol))
	}

	return wire.Encode(response.Res, replyBudget(req, protocol))
}

// replyBudget is the maximum reply size the client can take: the EDNS0
// advertised size over UDP, the full message limit over TCP
func replyBudget(req *dns.Msg, protocol model.RequestProtocol) int {
	if protocol == model.RequestProtocolTCP {
		return maxTCPReplySize
	}

	size := minUDPReplySize
	if opt := req.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}

	return size
}

// formErrReply builds a FORMERR from whatever of the query header is still
// readable. With less than a full header there is nothing to reply to.
func formErrReply(data []byte, protocol model.RequestProtocol) ([]byte, error) {
	if len(data) < 12 {
		return nil, &wire.DecodeError{Kind: wire.KindTruncated}
	}

	reply := new(dns.Msg)
	reply.Id = uint16(data[0])<<8 | uint16(data[1])
	reply.Response = true
	reply.Rcode = dns.RcodeFormatError

	budget := minUDPReplySize
	if protocol == model.RequestProtocolTCP {
		budget = maxTCPReplySize
	}

	return wire.Encode(reply, budget)
}
