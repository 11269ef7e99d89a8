package faults

import (
	"errors"
	"fmt"
	"testing"

	"claimsync.ai/internal/protocol"
)

func TestFromWrappedFault(t *testing.T) {
	err := fmt.Errorf("create: %w", Validationf(protocol.ErrClaimTooSmall, "width %d below %d", 3, 5))
	f := From(err)
	if f.Kind != Validation || f.Code != protocol.ErrClaimTooSmall {
		t.Fatalf("unexpected fault: %#v", f)
	}
	if !Is(err, Validation) || Is(err, Store) {
		t.Fatalf("Is mismatch")
	}
}

func TestFromDecodeError(t *testing.T) {
	f := From(&protocol.DecodeError{Code: protocol.ErrUnknownPacket, Err: errors.New("unknown type")})
	if f.Kind != Protocol || f.Code != protocol.ErrUnknownPacket {
		t.Fatalf("unexpected fault: %#v", f)
	}
}

func TestFromPlainErrorIsInternal(t *testing.T) {
	f := From(errors.New("boom"))
	if f.Code != protocol.ErrInternal {
		t.Fatalf("expected internal code, got %s", f.Code)
	}
	if From(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestStoreFailureHidesCause(t *testing.T) {
	cause := errors.New("disk full")
	f := StoreFailure("save claim", cause)
	if f.Message != "save claim failed" || f.Code != protocol.ErrDatabase {
		t.Fatalf("unexpected fault: %#v", f)
	}
	if !errors.Is(f, cause) {
		t.Fatalf("cause not reachable via Unwrap")
	}
}
