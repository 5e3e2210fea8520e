package control

import (
	"errors"
	"testing"

	"github.com/jingweiz/sample-factory/internal/buffer"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

func trainMsg(slot int) Message {
	return Message{
		Type: Train,
		Rollout: buffer.Rollout{
			Coords: buffer.Coords{Slot: slot},
		},
	}
}

func TestChannel_FIFO(t *testing.T) {
	ch := NewChannel(8)

	for slot := 0; slot < 3; slot++ {
		if err := ch.Send(trainMsg(slot)); err != nil {
			t.Fatalf("Send %d failed: %v", slot, err)
		}
	}
	if got := ch.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}

	for slot := 0; slot < 3; slot++ {
		msg, ok := ch.Poll()
		if !ok {
			t.Fatalf("Poll %d returned nothing", slot)
		}
		if msg.Type != Train || msg.Rollout.Coords.Slot != slot {
			t.Errorf("Poll %d = %v slot %d, want train slot %d", slot, msg.Type, msg.Rollout.Coords.Slot, slot)
		}
	}
	if _, ok := ch.Poll(); ok {
		t.Error("Poll on empty inbox returned a message")
	}
}

func TestChannel_TerminatePreemptsQueued(t *testing.T) {
	ch := NewChannel(8)

	for slot := 0; slot < 2; slot++ {
		if err := ch.Send(trainMsg(slot)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if err := ch.Send(Message{Type: Terminate}); err != nil {
		t.Fatalf("Send terminate failed: %v", err)
	}

	msg, ok := ch.Poll()
	if !ok || msg.Type != Terminate {
		t.Fatalf("first poll = %v %v, want terminate", msg.Type, ok)
	}
	if !ch.Terminated() {
		t.Error("Terminated = false after terminate")
	}
}

func TestChannel_ClosedAfterTerminate(t *testing.T) {
	ch := NewChannel(8)

	if err := ch.Send(Message{Type: Terminate}); err != nil {
		t.Fatalf("Send terminate failed: %v", err)
	}

	if err := ch.Send(trainMsg(0)); !errors.Is(err, pkgerrors.ErrChannelClosed) {
		t.Errorf("Send after terminate = %v, want ErrChannelClosed", err)
	}
	if err := ch.Send(Message{Type: Terminate}); !errors.Is(err, pkgerrors.ErrChannelClosed) {
		t.Errorf("second terminate = %v, want ErrChannelClosed", err)
	}
}

func TestChannel_FullInboxRejects(t *testing.T) {
	ch := NewChannel(1)

	if err := ch.Send(trainMsg(0)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := ch.Send(trainMsg(1)); !errors.Is(err, pkgerrors.ErrChannelFull) {
		t.Errorf("Send on full inbox = %v, want ErrChannelFull", err)
	}

	sent, dropped := ch.Stats()
	if sent != 1 || dropped != 1 {
		t.Errorf("Stats = %d sent %d dropped, want 1 and 1", sent, dropped)
	}

	// Draining frees capacity again.
	if _, ok := ch.Poll(); !ok {
		t.Fatal("Poll returned nothing")
	}
	if err := ch.Send(trainMsg(2)); err != nil {
		t.Errorf("Send after drain failed: %v", err)
	}
}

func TestChannel_DefaultDepth(t *testing.T) {
	if got := NewChannel(0).Cap(); got != DefaultDepth {
		t.Errorf("Cap = %d, want %d", got, DefaultDepth)
	}
	if got := NewChannel(7).Cap(); got != 7 {
		t.Errorf("Cap = %d, want 7", got)
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want string
	}{
		{Train, "train"},
		{Init, "init"},
		{Terminate, "terminate"},
		{Pbt, "pbt"},
		{MessageType(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.typ), got, tt.want)
		}
	}
}
