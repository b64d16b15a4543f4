package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/KumoCorp/recursor/evt"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/resolver"
	"github.com/KumoCorp/recursor/util"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

// NewQueryCommand creates new command instance
func NewQueryCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "query <domain>",
		Args:  cobra.ExactArgs(1),
		Short: "performs a one-shot recursive DNS query",
		RunE:  query,
	}

	c.Flags().StringP("type", "t", "A", "query type (A, AAAA, ...)")
	c.Flags().Duration("timeout", 10*time.Second, "overall resolution timeout")
	c.Flags().Bool("dnssec", false, "request DNSSEC records (sets the DO bit)")

	return c
}

func query(cmd *cobra.Command, args []string) error {
	typeFlag, _ := cmd.Flags().GetString("type")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	wantDNSSEC, _ := cmd.Flags().GetBool("dnssec")

	qType := dns.StringToType[typeFlag]
	if qType == dns.TypeNone {
		return fmt.Errorf("unknown query type '%s'", typeFlag)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	util.LogOnError("can't subscribe to referral events: ",
		evt.Bus().Subscribe(evt.IteratorReferralFollowed, func(zone string) {
			log.Log().Debugf("descending into zone %s", zone)
		}))

	r, err := resolver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("can't create resolver: %w", err)
	}

	msg := util.NewMsgWithQuestion(args[0], qType)
	if wantDNSSEC {
		msg.SetEdns0(cfg.Transport.UDPBufferSize, true)
	}

	request := &model.Request{
		Protocol:  model.RequestProtocolUDP,
		Req:       msg,
		Log:       log.Log().WithField("prefix", "query"),
		RequestTS: time.Now(),
	}

	response, err := r.Resolve(ctx, request)
	if err != nil {
		return fmt.Errorf("can't resolve: %w", err)
	}

	log.Log().Infof("Query result for '%s' (%s):", args[0], typeFlag)
	log.Log().Infof("\treason:        %20s", response.Reason)
	log.Log().Infof("\tresponse type: %20s", response.RType)
	log.Log().Infof("\tsecurity:      %20s", response.Security)
	log.Log().Infof("\treturn code:   %20s", dns.RcodeToString[response.Res.Rcode])
	log.Log().Infof("\tanswer:        %s", util.AnswerToString(response.Res.Answer))

	for _, rr := range response.Res.Answer {
		log.Log().Infof("\t%s", rr.String())
	}

	return nil
}
