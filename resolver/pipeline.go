package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/KumoCorp/recursor/mesh"
	"github.com/KumoCorp/recursor/model"

	"github.com/miekg/dns"
)

// Process runs one deduplicated resolution: message cache, delegation walk,
// validation, store. It is called by the mesh, never directly.
func (r *Resolver) Process(ctx context.Context, question dns.Question, flags mesh.Flags) (*model.Response, error) {
	logger := r.logger.WithField("qname", question.Name)

	if msg, security, ok := r.msgCache.Get(question, flags.WantDNSSEC, flags.CheckingDisabled, time.Now()); ok {
		rType := model.ResponseTypeCached
		if msg.Rcode == dns.RcodeNameError || len(msg.Answer) == 0 {
			rType = model.ResponseTypeNegCached
		}

		return &model.Response{Res: msg, Reason: "CACHED", RType: rType, Security: security}, nil
	}

	msg, err := r.iterator.Resolve(ctx, question, flags.WantDNSSEC)
	if err != nil {
		// cache a short failure marker so a burst of queries for a dead
		// name does not hammer the authoritative servers
		servfail := new(dns.Msg)
		servfail.Question = []dns.Question{question}
		servfail.Rcode = dns.RcodeServerFailure

		r.msgCache.Put(question, flags.WantDNSSEC, flags.CheckingDisabled, servfail, model.SecurityUnchecked)

		return nil, fmt.Errorf("resolution failed: %w", err)
	}

	security := model.SecurityUnchecked
	if r.cfg.Validator.Enable && !flags.CheckingDisabled {
		security = r.validator.Validate(ctx, msg, question)
	}

	if security == model.SecurityBogus {
		logger.Warn("answer failed DNSSEC validation")
	}

	r.msgCache.Put(question, flags.WantDNSSEC, flags.CheckingDisabled, msg, security)

	return &model.Response{
		Res:      msg,
		Reason:   "RESOLVED",
		RType:    model.ResponseTypeResolved,
		Security: security,
	}, nil
}
