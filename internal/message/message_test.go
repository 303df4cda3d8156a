package message

import (
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"sent to pending", StatusSent, StatusPending, true},
		{"pending to delivered", StatusPending, StatusDelivered, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"sent to delivered skips pending", StatusSent, StatusDelivered, false},
		{"pending to read skips delivered", StatusPending, StatusRead, false},
		{"read to delivered regression", StatusRead, StatusDelivered, false},
		{"delivered to pending regression", StatusDelivered, StatusPending, false},
		{"anything to failed", StatusRead, StatusFailed, true},
		{"sent to failed", StatusSent, StatusFailed, true},
		{"failed is terminal", StatusFailed, StatusPending, false},
		{"failed to failed", StatusFailed, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestPredecessor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   Status
		ok     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusDelivered, StatusPending, true},
		{StatusRead, StatusDelivered, true},
		{StatusSent, "", false},
		{StatusFailed, "", false},
	}

	for _, tt := range tests {
		got, ok := Predecessor(tt.status)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Predecessor(%s) = (%s, %v), want (%s, %v)", tt.status, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidateContent(t *testing.T) {
	t.Parallel()

	t.Run("strips markup", func(t *testing.T) {
		t.Parallel()
		got, err := ValidateContent("<script>alert(1)</script><b>hello</b>")
		if err != nil {
			t.Fatalf("ValidateContent() error = %v", err)
		}
		if got != "hello" {
			t.Errorf("ValidateContent() = %q, want %q", got, "hello")
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		t.Parallel()
		got, err := ValidateContent("  hi  ")
		if err != nil {
			t.Fatalf("ValidateContent() error = %v", err)
		}
		if got != "hi" {
			t.Errorf("ValidateContent() = %q, want %q", got, "hi")
		}
	})

	t.Run("empty after sanitizing", func(t *testing.T) {
		t.Parallel()
		if _, err := ValidateContent("<img src=x>"); err != ErrEmptyContent {
			t.Errorf("ValidateContent() error = %v, want ErrEmptyContent", err)
		}
	})

	t.Run("too long", func(t *testing.T) {
		t.Parallel()
		if _, err := ValidateContent(strings.Repeat("a", MaxContentLength+1)); err != ErrContentTooLong {
			t.Errorf("ValidateContent() error = %v, want ErrContentTooLong", err)
		}
	})

	t.Run("exactly max length", func(t *testing.T) {
		t.Parallel()
		if _, err := ValidateContent(strings.Repeat("a", MaxContentLength)); err != nil {
			t.Errorf("ValidateContent() error = %v, want nil", err)
		}
	})
}

func TestDeriveDirection(t *testing.T) {
	t.Parallel()

	msg := &Message{
		Sender:      Participant{UserID: "alice"},
		RecipientID: "bob",
		Direction:   DirectionOutgoing,
	}

	if got := DeriveDirection("alice", msg); got != DirectionOutgoing {
		t.Errorf("sender perspective = %s, want outgoing", got)
	}
	if got := DeriveDirection("bob", msg); got != DirectionIncoming {
		t.Errorf("recipient perspective = %s, want incoming", got)
	}

	self := &Message{
		Sender:      Participant{UserID: "alice"},
		RecipientID: "alice",
		Direction:   DirectionIncoming,
	}
	if got := DeriveDirection("alice", self); got != DirectionIncoming {
		t.Errorf("self message keeps caller direction, got %s", got)
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{10, 10},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
