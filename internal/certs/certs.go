// Package certs drives the device certificate lifecycle: registration with
// a CSR, issuance through the CA, renewal, reset, and the relay handshake.
package certs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fleetstate/internal/identity"
	"fleetstate/internal/model"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

var (
	ErrRejected       = errors.New("certs: rejected")
	ErrIssuanceFailed = errors.New("certs: issuance failed")
)

// Relay command tags published to fleet/relay/<instance_id>/<tag>.
const (
	RelayChallenge = "challengeAppareil"
	RelaySigned    = "certificatSigne"
)

// SignedCertificate is what the CA returns for one CSR: the PEM chain, leaf
// first, and the leaf fingerprint.
type SignedCertificate struct {
	Chain       []string `json:"certificat"`
	Fingerprint string   `json:"fingerprint"`
}

// Signer performs the CA round trip. The bus implementation publishes the
// request and waits on a reply queue with a deadline.
type Signer interface {
	Sign(ctx context.Context, csr string, roles []string, userID string) (*SignedCertificate, error)
}

// RelayPublisher sends a command to one node's partition.
type RelayPublisher interface {
	PublishRelay(instanceID, action string, payload any)
}

type Coordinator struct {
	Repo       *store.Repo
	Dispatcher *transact.Dispatcher
	Signer     Signer
	Relay      RelayPublisher
	Notify     transact.Notifier
}

// Device lifecycle states derived from the stored row.
const (
	StateNoKey      = "NoKey"
	StateCsrPending = "CsrPending"
	StateIssued     = "Issued"
)

func StateOf(dev *model.Device) string {
	switch {
	case len(dev.Certificate) > 0 && dev.Fingerprint != "":
		return StateIssued
	case dev.CSR != "":
		return StateCsrPending
	default:
		return StateNoKey
	}
}

type RegisterRequest struct {
	DeviceID   string `json:"uuid_appareil"`
	PublicKey  string `json:"cle_publique"`
	CSR        string `json:"csr"`
	InstanceID string `json:"instance_id,omitempty"`
}

type RegisterResponse struct {
	OK          bool     `json:"ok"`
	Certificate []string `json:"certificat,omitempty"`
	Err         string   `json:"err,omitempty"`
}

// Register records a device's key material. When the stored certificate
// already matches the submitted public key the cached chain is returned and
// nothing changes; otherwise the CSR replaces any previous certificate in
// one atomic merge, putting the device back in CsrPending.
func (c *Coordinator) Register(ctx context.Context, caller identity.Caller, req *RegisterRequest) (*RegisterResponse, error) {
	if req.DeviceID == "" || strings.TrimSpace(req.PublicKey) == "" || strings.TrimSpace(req.CSR) == "" {
		return nil, fmt.Errorf("%w: uuid_appareil, cle_publique and csr required", ErrRejected)
	}
	var cached []string
	dev, _, err := c.Repo.MergeDevice(ctx, caller.UserID, req.DeviceID, func(dev *model.Device) error {
		if req.InstanceID != "" {
			dev.InstanceID = req.InstanceID
		}
		if len(dev.Certificate) > 0 && dev.PublicKey == req.PublicKey {
			chain, err := dev.CertificateChain()
			if err != nil {
				return err
			}
			cached = chain
			return nil
		}
		dev.PublicKey = req.PublicKey
		dev.CSR = req.CSR
		dev.Certificate = nil
		dev.Fingerprint = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return &RegisterResponse{OK: true, Certificate: cached}, nil
	}
	slog.Info("device registered, awaiting issuance",
		"user_id", caller.UserID, "uuid_appareil", req.DeviceID, "state", StateOf(dev))
	return &RegisterResponse{OK: true}, nil
}

type SignRequest struct {
	DeviceID string `json:"uuid_appareil"`
	CSR      string `json:"csr,omitempty"`
}

// Sign issues a certificate for a device. Renewal: the caller is the device
// itself and carries a fresh CSR. First issuance: the CSR stored at
// registration is used. One CA round trip; on success the chain and
// fingerprint are stored, the pending CSR cleared, and, if the device has no
// durable init transaction yet, exactly one is emitted.
func (c *Coordinator) Sign(ctx context.Context, caller identity.Caller, req *SignRequest) (*RegisterResponse, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: uuid_appareil required", ErrRejected)
	}
	renewal := caller.DeviceSubject() && caller.Subject == req.DeviceID && strings.TrimSpace(req.CSR) != ""

	dev, err := c.Repo.GetDevice(ctx, caller.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	csr := dev.CSR
	if renewal {
		csr = req.CSR
	}
	if strings.TrimSpace(csr) == "" {
		// A repeated signing call for an already issued device returns the
		// stored chain; only a device with no material at all is rejected.
		if !renewal && StateOf(dev) == StateIssued {
			chain, err := dev.CertificateChain()
			if err != nil {
				return nil, err
			}
			return &RegisterResponse{OK: true, Certificate: chain}, nil
		}
		return nil, fmt.Errorf("%w: no pending csr for %s", ErrRejected, req.DeviceID)
	}

	signed, err := c.Signer.Sign(ctx, csr, []string{"fleet_device"}, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}
	if len(signed.Chain) == 0 || signed.Fingerprint == "" {
		return nil, fmt.Errorf("%w: empty response from ca", ErrIssuanceFailed)
	}

	wasPersisted := dev.Persisted
	dev, _, err = c.Repo.MergeDevice(ctx, caller.UserID, req.DeviceID, func(dev *model.Device) error {
		if err := dev.SetCertificateChain(signed.Chain); err != nil {
			return err
		}
		dev.Fingerprint = signed.Fingerprint
		dev.CSR = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !wasPersisted {
		init, err := model.NewTransaction(model.ActionDeviceInit,
			model.DeviceInitTransaction{DeviceID: req.DeviceID, UserID: caller.UserID}, caller.UserID)
		if err != nil {
			return nil, err
		}
		if err := c.Dispatcher.Execute(ctx, init); err != nil {
			return nil, err
		}
	}

	if c.Relay != nil && dev.InstanceID != "" {
		c.Relay.PublishRelay(dev.InstanceID, RelaySigned, map[string]any{
			"uuid_appareil": req.DeviceID,
			"certificat":    signed.Chain,
		})
	}
	if c.Notify != nil {
		c.Notify.NotifyUser(caller.UserID, transact.EventDeviceUpdated, dev)
	}
	return &RegisterResponse{OK: true, Certificate: signed.Chain}, nil
}

// Reset wipes certificate material for every device of the user, forcing
// re-registration. Permission is enforced by the transport layer.
func (c *Coordinator) Reset(ctx context.Context, caller identity.Caller) (int64, error) {
	n, err := c.Repo.ClearCertificates(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	slog.Info("certificates reset", "user_id", caller.UserID, "devices", n)
	return n, nil
}

type ChallengeRequest struct {
	DeviceID  string          `json:"uuid_appareil"`
	Challenge json.RawMessage `json:"challenge"`
}

// Challenge relays a verification challenge to the device's node partition.
// No state changes; a device without node affinity cannot be challenged.
func (c *Coordinator) Challenge(ctx context.Context, caller identity.Caller, req *ChallengeRequest) error {
	if req.DeviceID == "" || len(req.Challenge) == 0 {
		return fmt.Errorf("%w: uuid_appareil and challenge required", ErrRejected)
	}
	dev, err := c.Repo.GetDevice(ctx, caller.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	if dev.InstanceID == "" {
		return fmt.Errorf("%w: device %s has no node affinity", ErrRejected, req.DeviceID)
	}
	c.Relay.PublishRelay(dev.InstanceID, RelayChallenge, map[string]any{
		"uuid_appareil": req.DeviceID,
		"user_id":       caller.UserID,
		"challenge":     req.Challenge,
	})
	return nil
}

type RelayConfirmRequest struct {
	Fingerprint string `json:"fingerprint"`
	Expiration  *int64 `json:"expiration,omitempty"`
}

// ConfirmRelay records which relay may report for the calling device. The
// device itself issues the confirmation, naming the relay's fingerprint.
func (c *Coordinator) ConfirmRelay(ctx context.Context, caller identity.Caller, req *RelayConfirmRequest) error {
	if !caller.DeviceSubject() || strings.TrimSpace(req.Fingerprint) == "" {
		return fmt.Errorf("%w: device identity and relay fingerprint required", ErrRejected)
	}
	return c.Repo.UpsertRelay(ctx, caller.UserID, caller.Subject, req.Fingerprint, req.Expiration)
}

// DisconnectRelay handles a relay going away: every device still marked
// connected through it gets an offline notification, then one bulk update
// clears the connected flags and node affinity.
func (c *Coordinator) DisconnectRelay(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("%w: instance_id required", ErrRejected)
	}
	devices, err := c.Repo.ConnectedDevicesByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if c.Notify != nil {
		for _, dev := range devices {
			c.Notify.NotifyUser(dev.UserID, transact.EventPresence, map[string]any{
				"uuid_appareil":    dev.DeviceID,
				"connecte":         false,
				"derniere_lecture": dev.LastReading,
			})
		}
	}
	n, err := c.Repo.DisconnectInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	slog.Info("relay disconnected", "instance_id", instanceID, "devices", n)
	return nil
}
