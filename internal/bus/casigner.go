package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetstate/internal/certs"
	"fleetstate/internal/mqtt"
)

var ErrSigningTimeout = errors.New("bus: ca signing timed out")

// CASigner performs the certificate authority round trip over the bus: the
// request goes out on <prefix>pki/sign with a one-shot reply topic, and the
// call blocks until the reply arrives or the deadline passes.
type CASigner struct {
	MQ      *mqtt.Client
	Prefix  string
	Timeout time.Duration
}

type signRequest struct {
	CSR     string   `json:"csr"`
	Roles   []string `json:"roles"`
	UserID  string   `json:"user_id"`
	ReplyTo string   `json:"reply_to"`
}

type signReply struct {
	OK          bool     `json:"ok"`
	Err         string   `json:"err,omitempty"`
	Chain       []string `json:"certificat,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

func (s *CASigner) Sign(ctx context.Context, csr string, roles []string, userID string) (*certs.SignedCertificate, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	replyTopic := s.Prefix + "pki/reply/" + uuid.NewString()
	ch := make(chan []byte, 1)
	if err := s.MQ.Subscribe(replyTopic, func(m mqtt.Message) {
		select {
		case ch <- append([]byte(nil), m.Payload()...):
		default:
		}
	}); err != nil {
		return nil, err
	}
	defer func() { _ = s.MQ.Unsubscribe(replyTopic) }()

	req, err := json.Marshal(signRequest{CSR: csr, Roles: roles, UserID: userID, ReplyTo: replyTopic})
	if err != nil {
		return nil, err
	}
	if err := s.MQ.Publish(s.Prefix+"pki/sign", req); err != nil {
		return nil, err
	}

	select {
	case payload := <-ch:
		var rep signReply
		if err := json.Unmarshal(payload, &rep); err != nil {
			return nil, err
		}
		if !rep.OK {
			if rep.Err == "" {
				rep.Err = "ca refused"
			}
			return nil, errors.New(rep.Err)
		}
		return &certs.SignedCertificate{Chain: rep.Chain, Fingerprint: rep.Fingerprint}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, ErrSigningTimeout
	}
}
