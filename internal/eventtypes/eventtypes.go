// Package eventtypes declares the wire and in-process shapes of the contract
// events, task definitions and task payloads shared by the listener,
// orchestrator and worker.
package eventtypes

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ModuleID identifies the single smart-contract module whose events the
// listener should retain. Immutable process-wide configuration.
type ModuleID struct {
	Address string
	Module  string
}

func (m ModuleID) String() string { return m.Address + "::" + m.Module }

// TxKind discriminates the kind of transaction an event's parent carried.
// Only User transactions are retained by the listener (§4.1).
type TxKind int

const (
	TxUnknown TxKind = iota
	TxGenesis
	TxBlockMetadata
	TxUser
)

// U64 decodes a JSON string-encoded unsigned 64-bit integer. The indexer
// wire format encodes all u64 fields as decimal strings to avoid precision
// loss in JSON numbers.
type U64 uint64

func (u *U64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("eventtypes: u64 field is not a JSON string: %w", err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("eventtypes: u64 field %q: %w", s, err)
	}
	*u = U64(v)
	return nil
}

func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

// EventType is the structured type descriptor carried by a raw event.
type EventType struct {
	Address string `json:"address"`
	Module  string `json:"module"`
	Name    string `json:"name"`
}

// Matches reports whether the event type belongs to the configured module
// and is one of the five known event names (§4.1 filtering rule).
func (t EventType) Matches(mod ModuleID) bool {
	if t.Address != mod.Address || t.Module != mod.Module {
		return false
	}
	_, known := knownEventNames[t.Name]
	return known
}

var knownEventNames = map[string]struct{}{
	"OnNewWorkRequest":       {},
	"OnNewWorkRequestBid":    {},
	"OnBidWon":               {},
	"OnWorkRequestCompleted": {},
	"OnAuctionFailure":       {},
}

// RawEvent is produced by the chain feed before decoding into a ContractEvent.
type RawEvent struct {
	Type       EventType
	Data       string // opaque JSON-encoded payload
	TxVersion  uint64
	TxKind     TxKind
}

// ContractEventKind discriminates the ContractEvent tagged union.
type ContractEventKind string

const (
	KindOnNewWorkRequest       ContractEventKind = "OnNewWorkRequest"
	KindOnNewWorkRequestBid    ContractEventKind = "OnNewWorkRequestBid"
	KindOnBidWon               ContractEventKind = "OnBidWon"
	KindOnWorkRequestCompleted ContractEventKind = "OnWorkRequestCompleted"
	KindOnAuctionFailure       ContractEventKind = "OnAuctionFailure"
)

// ContractEvent is a tagged variant over the five known event kinds. Only the
// fields relevant to Kind are populated; the zero value of unrelated fields
// is ignored by callers.
type ContractEvent struct {
	Kind ContractEventKind

	RequestID U64
	Requester string // OnNewWorkRequest
	TimeLimit U64    // OnNewWorkRequest, microseconds
	MaxPrice  U64    // OnNewWorkRequest

	Bidder string // OnNewWorkRequestBid
	Price  U64    // OnNewWorkRequestBid

	Winner   string // OnBidWon
	BidPrice U64    // OnBidWon

	TxVersion uint64 // provenance, carried for ordering diagnostics
}

// DecodeContractEvent parses a raw event's JSON payload into the ContractEvent
// variant named by raw.Type.Name. Returns an error for an event name outside
// the five known kinds; callers should already have filtered via
// EventType.Matches before calling this.
func DecodeContractEvent(raw RawEvent) (ContractEvent, error) {
	ev := ContractEvent{Kind: ContractEventKind(raw.Type.Name), TxVersion: raw.TxVersion}
	switch ev.Kind {
	case KindOnNewWorkRequest:
		var w struct {
			RequestID U64    `json:"request_id"`
			Requester string `json:"requester"`
			TimeLimit U64    `json:"time_limit"`
			MaxPrice  U64    `json:"max_price"`
		}
		if err := json.Unmarshal([]byte(raw.Data), &w); err != nil {
			return ContractEvent{}, fmt.Errorf("decode OnNewWorkRequest: %w", err)
		}
		ev.RequestID, ev.Requester, ev.TimeLimit, ev.MaxPrice = w.RequestID, w.Requester, w.TimeLimit, w.MaxPrice
	case KindOnNewWorkRequestBid:
		var w struct {
			RequestID U64    `json:"request_id"`
			Bidder    string `json:"bidder"`
			Price     U64    `json:"price"`
		}
		if err := json.Unmarshal([]byte(raw.Data), &w); err != nil {
			return ContractEvent{}, fmt.Errorf("decode OnNewWorkRequestBid: %w", err)
		}
		ev.RequestID, ev.Bidder, ev.Price = w.RequestID, w.Bidder, w.Price
	case KindOnBidWon:
		var w struct {
			RequestID U64    `json:"request_id"`
			Winner    string `json:"winner"`
			BidPrice  U64    `json:"bid_price"`
		}
		if err := json.Unmarshal([]byte(raw.Data), &w); err != nil {
			return ContractEvent{}, fmt.Errorf("decode OnBidWon: %w", err)
		}
		ev.RequestID, ev.Winner, ev.BidPrice = w.RequestID, w.Winner, w.BidPrice
	case KindOnWorkRequestCompleted, KindOnAuctionFailure:
		var w struct {
			RequestID U64 `json:"request_id"`
		}
		if err := json.Unmarshal([]byte(raw.Data), &w); err != nil {
			return ContractEvent{}, fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		ev.RequestID = w.RequestID
	default:
		return ContractEvent{}, fmt.Errorf("decode: unknown event kind %q", ev.Kind)
	}
	return ev, nil
}

// TaskKind discriminates task definitions and task payloads. Definition and
// payload for the same request_id must share the same Kind (§3 invariant).
type TaskKind string

const (
	TaskText  TaskKind = "Text Generation"
	TaskImage TaskKind = "Image Generation"
	TaskVoice TaskKind = "Voice Generation"
)

// TaskDefinition specifies how a request's work should be executed.
type TaskDefinition struct {
	Kind  TaskKind `json:"kind"`
	Model string   `json:"model"`
}

// AspectRatio enumerates the image payload's framing options.
type AspectRatio string

const (
	AspectPortrait  AspectRatio = "Portrait"
	AspectLandscape AspectRatio = "Landscape"
	AspectSquare    AspectRatio = "Square"
)

// TaskPayload specifies what a request's work should execute with. Exactly
// one group of fields is meaningful, selected by Kind.
type TaskPayload struct {
	Kind TaskKind `json:"kind"`

	// TaskText
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`

	// TaskImage
	PositivePrompt string      `json:"positive_prompt,omitempty"`
	NegativePrompt string      `json:"negative_prompt,omitempty"`
	AspectRatio    AspectRatio `json:"aspect_ratio,omitempty"`
	ConfigScale    uint32      `json:"config_scale,omitempty"`
	NbSteps        uint32      `json:"nb_steps,omitempty"`

	// TaskVoice
	Prompt string `json:"prompt,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

// ErrVariantMismatch is returned when a task definition and payload for the
// same request_id disagree on Kind (§3 invariant; non-fatal per request).
var ErrVariantMismatch = fmt.Errorf("eventtypes: task definition and payload variant mismatch")

// CheckVariant enforces the §3 invariant that a definition and payload for
// the same request share a tag.
func CheckVariant(def TaskDefinition, payload TaskPayload) error {
	if def.Kind != payload.Kind {
		return fmt.Errorf("%w: definition=%s payload=%s", ErrVariantMismatch, def.Kind, payload.Kind)
	}
	return nil
}
