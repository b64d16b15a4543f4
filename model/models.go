package model

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ResponseType represents the type of the response
type ResponseType int

const (
	// ResponseTypeResolved the response was resolved by walking the delegation tree
	ResponseTypeResolved ResponseType = iota
	// ResponseTypeCached the response was served from the message cache
	ResponseTypeCached
	// ResponseTypeNegCached the response is a cached negative answer
	ResponseTypeNegCached
)

func (r ResponseType) String() string {
	names := [...]string{
		"RESOLVED",
		"CACHED",
		"NEGCACHED",
	}

	return names[r]
}

// RequestProtocol represents the client protocol
type RequestProtocol uint8

const (
	// RequestProtocolTCP the request was received over TCP
	RequestProtocolTCP RequestProtocol = iota
	// RequestProtocolUDP the request was received over UDP
	RequestProtocolUDP
)

func (r RequestProtocol) String() string {
	if r == RequestProtocolTCP {
		return "TCP"
	}

	return "UDP"
}

// Request represents a client's DNS request
type Request struct {
	ClientIP  net.IP
	Protocol  RequestProtocol
	Req       *dns.Msg
	Log       *logrus.Entry
	RequestTS time.Time
}

// Response represents the response of a DNS query
type Response struct {
	Res      *dns.Msg
	Reason   string
	RType    ResponseType
	Security SecurityStatus
}
