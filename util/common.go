package util

import (
	"fmt"
	"strings"

	"github.com/KumoCorp/recursor/log"

	"github.com/miekg/dns"
)

// NewMsgWithQuestion creates new DNS message with question
func NewMsgWithQuestion(question string, qType uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(question), qType)

	return msg
}

// NewMsgWithAnswer creates new DNS message with answer from given zone file record
func NewMsgWithAnswer(answer string) (*dns.Msg, error) {
	rr, err := dns.NewRR(answer)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.Answer = []dns.RR{rr}

	return msg, nil
}

// AnswerToString creates a short representation of an answer section
func AnswerToString(answer []dns.RR) string {
	answers := make([]string, len(answer))

	for i, record := range answer {
		switch v := record.(type) {
		case *dns.A:
			answers[i] = fmt.Sprintf("A (%s)", v.A)
		case *dns.AAAA:
			answers[i] = fmt.Sprintf("AAAA (%s)", v.AAAA)
		case *dns.CNAME:
			answers[i] = fmt.Sprintf("CNAME (%s)", v.Target)
		case *dns.NS:
			answers[i] = fmt.Sprintf("NS (%s)", v.Ns)
		case *dns.PTR:
			answers[i] = fmt.Sprintf("PTR (%s)", v.Ptr)
		default:
			answers[i] = fmt.Sprint(record)
		}
	}

	return strings.Join(answers, ", ")
}

// QuestionToString creates a short representation of a question section
func QuestionToString(questions []dns.Question) string {
	result := make([]string, len(questions))
	for i, question := range questions {
		result[i] = fmt.Sprintf("%s (%s)", dns.TypeToString[question.Qtype], question.Name)
	}

	return strings.Join(result, ", ")
}

// ExtractRecordsFromSlice extracts all records of the given concrete type from a slice
func ExtractRecordsFromSlice[T dns.RR](rrs []dns.RR) []T {
	var result []T

	for _, rr := range rrs {
		if typed, ok := rr.(T); ok {
			result = append(result, typed)
		}
	}

	return result
}

// LogOnError logs the message only if error is not nil
func LogOnError(message string, err error) {
	if err != nil {
		log.Log().Error(message, err)
	}
}
