// Package bus is the MQTT surface: it routes inbound commands and events to
// the coordinator, dispatcher and ingestor, and publishes outbound per-user
// notifications and per-node relay commands.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"fleetstate/internal/certs"
	"fleetstate/internal/identity"
	"fleetstate/internal/ingest"
	"fleetstate/internal/model"
	"fleetstate/internal/mqtt"
	"fleetstate/internal/realtime"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

// Command tags outside the transaction log.
const (
	CmdRegister     = "inscrireAppareil"
	CmdSign         = "signerAppareil"
	CmdReset        = "resetCertificats"
	CmdChallenge    = "challengeAppareil"
	CmdRelayConfirm = "confirmerRelai"
	CmdRegenerate   = "regenerer"

	EvtReading    = "lecture"
	EvtPresence   = "presence"
	EvtDisconnect = "deconnexion"
)

// Envelope is the wire frame every inbound message carries: a signed access
// token and the action payload. Replies go to ReplyTo when set.
type Envelope struct {
	Token         string          `json:"token"`
	Contenu       json.RawMessage `json:"contenu"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Reply is the response frame: ok plus either a result document or an error
// string.
type Reply struct {
	OK            bool            `json:"ok"`
	Err           string          `json:"err,omitempty"`
	Contenu       json.RawMessage `json:"contenu,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type Bus struct {
	MQ          *mqtt.Client
	Prefix      string
	Verifier    *identity.Verifier
	Dispatcher  *transact.Dispatcher
	Coordinator *certs.Coordinator
	Ingestor    *ingest.Ingestor
	Repo        *store.Repo
	Hub         *realtime.Hub
}

// NotifyUser publishes a per-user notification and mirrors it to connected
// websocket sessions.
func (b *Bus) NotifyUser(userID, action string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("notification encode failed", "action", action, "error", err)
		return
	}
	frame, err := json.Marshal(map[string]any{
		"action":  action,
		"user_id": userID,
		"contenu": json.RawMessage(body),
	})
	if err != nil {
		return
	}
	if err := b.MQ.Publish(b.Prefix+"evt/"+userID+"/"+action, frame); err != nil {
		slog.Warn("notification publish failed", "action", action, "error", err)
	}
	if b.Hub != nil {
		b.Hub.Publish(userID, action, json.RawMessage(body))
	}
}

// PublishRelay sends a command to one node's partition.
func (b *Bus) PublishRelay(instanceID, action string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("relay command encode failed", "action", action, "error", err)
		return
	}
	if err := b.MQ.Publish(b.Prefix+"relay/"+instanceID+"/"+action, body); err != nil {
		slog.Warn("relay publish failed", "instance_id", instanceID, "action", action, "error", err)
	}
}

// Start subscribes the inbound routes. Commands arrive one action per topic
// leaf; events have fixed topics.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.MQ.Subscribe(b.Prefix+"cmd/+", func(m mqtt.Message) {
		b.handleCommand(ctx, m)
	}); err != nil {
		return err
	}
	if err := b.MQ.Subscribe(b.Prefix+"evt/"+EvtReading, func(m mqtt.Message) {
		b.handleReading(ctx, m)
	}); err != nil {
		return err
	}
	if err := b.MQ.Subscribe(b.Prefix+"evt/"+EvtPresence, func(m mqtt.Message) {
		b.handlePresence(ctx, m)
	}); err != nil {
		return err
	}
	return b.MQ.Subscribe(b.Prefix+"evt/"+EvtDisconnect, func(m mqtt.Message) {
		b.handleDisconnect(ctx, m)
	})
}

func (b *Bus) handleCommand(ctx context.Context, m mqtt.Message) {
	topic := m.Topic()
	action := topic[strings.LastIndexByte(topic, '/')+1:]

	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		slog.Warn("command frame decode failed", "topic", topic, "error", err)
		return
	}
	caller, err := b.Verifier.Verify(env.Token)
	if err != nil {
		b.reply(&env, nil, err)
		return
	}

	switch action {
	case CmdRegister:
		var req certs.RegisterRequest
		if err := json.Unmarshal(env.Contenu, &req); err != nil {
			b.reply(&env, nil, err)
			return
		}
		resp, err := b.Coordinator.Register(ctx, caller, &req)
		b.reply(&env, resp, err)
	case CmdSign:
		var req certs.SignRequest
		if err := json.Unmarshal(env.Contenu, &req); err != nil {
			b.reply(&env, nil, err)
			return
		}
		resp, err := b.Coordinator.Sign(ctx, caller, &req)
		b.reply(&env, resp, err)
	case CmdReset:
		n, err := b.Coordinator.Reset(ctx, caller)
		b.reply(&env, map[string]any{"devices": n}, err)
	case CmdChallenge:
		var req certs.ChallengeRequest
		if err := json.Unmarshal(env.Contenu, &req); err != nil {
			b.reply(&env, nil, err)
			return
		}
		b.reply(&env, nil, b.Coordinator.Challenge(ctx, caller, &req))
	case CmdRelayConfirm:
		var req certs.RelayConfirmRequest
		if err := json.Unmarshal(env.Contenu, &req); err != nil {
			b.reply(&env, nil, err)
			return
		}
		b.reply(&env, nil, b.Coordinator.ConfirmRelay(ctx, caller, &req))
	case CmdRegenerate:
		if !caller.Admin {
			b.reply(&env, nil, errors.New("admin required"))
			return
		}
		b.reply(&env, nil, b.Dispatcher.Replay(ctx))
	default:
		// Everything else is a transaction: the caller identity becomes the
		// transaction attribution, never anything inside the payload.
		txn, err := model.NewTransaction(action, json.RawMessage(env.Contenu), caller.UserID)
		if err != nil {
			b.reply(&env, nil, err)
			return
		}
		txn.CommonName = caller.Subject
		b.reply(&env, nil, b.Dispatcher.Execute(ctx, txn))
	}
}

func (b *Bus) handleReading(ctx context.Context, m mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		slog.Warn("reading frame decode failed", "error", err)
		return
	}
	caller, err := b.Verifier.Verify(env.Token)
	if err != nil {
		slog.Warn("reading rejected", "error", err)
		return
	}
	var batch ingest.ReadingBatch
	if err := json.Unmarshal(env.Contenu, &batch); err != nil {
		slog.Warn("reading batch decode failed", "error", err)
		return
	}
	if err := b.Ingestor.Ingest(ctx, caller, &batch); err != nil {
		slog.Error("reading ingest failed", "uuid_appareil", caller.Subject, "error", err)
	}
}

type presenceEvent struct {
	DeviceID   string `json:"uuid_appareil"`
	InstanceID string `json:"instance_id"`
	Version    string `json:"version,omitempty"`
	Connected  bool   `json:"connecte"`
}

// handlePresence applies a relay presence report directly: connecte and
// version are presentation state, not log-worthy history. A fresh report
// always beats a later sweep pass because the sweep keys off
// derniere_lecture.
func (b *Bus) handlePresence(ctx context.Context, m mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		return
	}
	caller, err := b.Verifier.Verify(env.Token)
	if err != nil {
		slog.Warn("presence rejected", "error", err)
		return
	}
	var ev presenceEvent
	if err := json.Unmarshal(env.Contenu, &ev); err != nil {
		return
	}
	if ev.DeviceID == "" {
		return
	}
	dev, _, err := b.Repo.MergeDevice(ctx, caller.UserID, ev.DeviceID, func(dev *model.Device) error {
		dev.Connected = ev.Connected
		present := ev.Connected
		dev.Present = &present
		if ev.Version != "" {
			dev.Version = ev.Version
		}
		if ev.Connected && ev.InstanceID != "" {
			dev.InstanceID = ev.InstanceID
		}
		return nil
	})
	if err != nil {
		slog.Error("presence update failed", "uuid_appareil", ev.DeviceID, "error", err)
		return
	}
	b.NotifyUser(caller.UserID, transact.EventPresence, map[string]any{
		"uuid_appareil":    dev.DeviceID,
		"connecte":         dev.Connected,
		"derniere_lecture": dev.LastReading,
	})
}

func (b *Bus) handleDisconnect(ctx context.Context, m mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		return
	}
	if _, err := b.Verifier.Verify(env.Token); err != nil {
		slog.Warn("disconnect rejected", "error", err)
		return
	}
	var ev struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(env.Contenu, &ev); err != nil || ev.InstanceID == "" {
		return
	}
	if err := b.Coordinator.DisconnectRelay(ctx, ev.InstanceID); err != nil {
		slog.Error("relay disconnect failed", "instance_id", ev.InstanceID, "error", err)
	}
}

func (b *Bus) reply(env *Envelope, result any, err error) {
	if env.ReplyTo == "" {
		if err != nil {
			slog.Warn("command failed without reply channel", "error", err)
		}
		return
	}
	rep := Reply{OK: err == nil, CorrelationID: env.CorrelationID}
	if err != nil {
		rep.Err = err.Error()
	} else if result != nil {
		body, mErr := json.Marshal(result)
		if mErr == nil {
			rep.Contenu = body
		}
	}
	frame, mErr := json.Marshal(rep)
	if mErr != nil {
		return
	}
	if pErr := b.MQ.Publish(env.ReplyTo, frame); pErr != nil {
		slog.Warn("reply publish failed", "topic", env.ReplyTo, "error", pErr)
	}
}
