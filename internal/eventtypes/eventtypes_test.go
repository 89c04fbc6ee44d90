package eventtypes

import "testing"

func TestU64DecodesStringFields(t *testing.T) {
	raw := RawEvent{
		Type: EventType{Address: "0xabc", Module: "market", Name: "OnNewWorkRequest"},
		Data: `{"request_id":"7","requester":"0x1","time_limit":"2000000","max_price":"100"}`,
	}
	ev, err := DecodeContractEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.RequestID != 7 || ev.TimeLimit != 2_000_000 || ev.MaxPrice != 100 {
		t.Fatalf("unexpected decode result: %+v", ev)
	}
}

func TestEventTypeMatchesFiltersUnknownNames(t *testing.T) {
	mod := ModuleID{Address: "0xabc", Module: "market"}
	known := EventType{Address: "0xabc", Module: "market", Name: "OnBidWon"}
	unknown := EventType{Address: "0xabc", Module: "market", Name: "OnSomethingElse"}
	wrongModule := EventType{Address: "0xabc", Module: "other", Name: "OnBidWon"}

	if !known.Matches(mod) {
		t.Fatal("expected known event name to match")
	}
	if unknown.Matches(mod) {
		t.Fatal("expected unknown event name to be dropped")
	}
	if wrongModule.Matches(mod) {
		t.Fatal("expected mismatched module to be dropped")
	}
}

func TestCheckVariantRejectsMismatch(t *testing.T) {
	def := TaskDefinition{Kind: TaskImage, Model: "sdxl"}
	payload := TaskPayload{Kind: TaskVoice, Prompt: "hello"}
	if err := CheckVariant(def, payload); err == nil {
		t.Fatal("expected variant mismatch error")
	}
	payload.Kind = TaskImage
	if err := CheckVariant(def, payload); err != nil {
		t.Fatalf("expected matching variants to pass, got %v", err)
	}
}

func TestDecodeContractEventUnknownKind(t *testing.T) {
	raw := RawEvent{Type: EventType{Name: "NotAKnownEvent"}, Data: "{}"}
	if _, err := DecodeContractEvent(raw); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}
