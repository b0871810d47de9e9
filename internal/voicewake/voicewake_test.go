package voicewake

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreNormalizesTriggers(t *testing.T) {
	store := NewStore([]string{" Hey Razor ", "computer", "hey razor", "", "Computer"}, nil)
	want := []string{"computer", "hey razor"}
	if diff := cmp.Diff(want, store.Triggers()); diff != "" {
		t.Fatalf("triggers mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreOnChangeFiresOnlyOnChange(t *testing.T) {
	var fired int
	store := NewStore([]string{"computer"}, nil)
	store.onChange = func([]string) { fired++ }

	store.Set([]string{"Computer"})
	if fired != 0 {
		t.Fatalf("onChange fired for equal set")
	}
	store.Set([]string{"computer", "hey razor"})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestStoreTriggersReturnsCopy(t *testing.T) {
	store := NewStore([]string{"computer"}, nil)
	got := store.Triggers()
	got[0] = "mutated"
	if store.Triggers()[0] != "computer" {
		t.Fatalf("internal state mutated through copy")
	}
}

func TestHandleRequestGet(t *testing.T) {
	store := NewStore([]string{"computer"}, nil)
	payload, err := store.HandleRequest(context.Background(), "voicewake.get", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if payload != `{"triggers":["computer"]}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestHandleRequestSet(t *testing.T) {
	store := NewStore(nil, nil)
	payload, err := store.HandleRequest(context.Background(), "voicewake.set", `{"triggers":["Hey Razor","computer"]}`)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if payload != `{"triggers":["computer","hey razor"]}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestHandleRequestSetBadParams(t *testing.T) {
	store := NewStore([]string{"computer"}, nil)
	if _, err := store.HandleRequest(context.Background(), "voicewake.set", "not json"); err == nil {
		t.Fatalf("expected error")
	}
	if got := store.Triggers(); len(got) != 1 || got[0] != "computer" {
		t.Fatalf("triggers changed on bad params: %v", got)
	}
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	store := NewStore(nil, nil)
	if _, err := store.HandleRequest(context.Background(), "voicewake.toggle", ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyTriggers(t *testing.T) {
	store := NewStore(nil, nil)
	applyTriggers(store, `{"triggers":["Hey Razor"]}`, nil)
	if got := store.Triggers(); len(got) != 1 || got[0] != "hey razor" {
		t.Fatalf("triggers = %v", got)
	}
	// Empty and malformed payloads leave the store untouched.
	applyTriggers(store, "", func(string, ...any) {})
	applyTriggers(store, "{", func(string, ...any) {})
	if got := store.Triggers(); len(got) != 1 {
		t.Fatalf("triggers = %v", got)
	}
}
