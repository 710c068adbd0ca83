package deadline

import (
	"errors"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func spec() domain.SessionSpec {
	return domain.SessionSpec{
		RecruitmentStart:     base,
		RecruitmentEnd:       base.Add(48 * time.Hour),
		ConfirmationDeadline: base.Add(48 * time.Hour),
		PaymentDeadline:      base.Add(72 * time.Hour),
	}
}

func session(status domain.SessionStatus) domain.Session {
	sp := spec()
	return domain.Session{
		RecruitmentStart:     sp.RecruitmentStart,
		RecruitmentEnd:       sp.RecruitmentEnd,
		ConfirmationDeadline: sp.ConfirmationDeadline,
		PaymentDeadline:      sp.PaymentDeadline,
		Status:               status,
	}
}

func TestValidateTimeline(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.SessionSpec)
		wantErr bool
	}{
		{name: "valid", mutate: func(*domain.SessionSpec) {}},
		{
			name:    "missing deadline",
			mutate:  func(s *domain.SessionSpec) { s.PaymentDeadline = time.Time{} },
			wantErr: true,
		},
		{
			name:    "start after end",
			mutate:  func(s *domain.SessionSpec) { s.RecruitmentStart = s.RecruitmentEnd.Add(time.Hour) },
			wantErr: true,
		},
		{
			name:    "confirmation before recruitment end",
			mutate:  func(s *domain.SessionSpec) { s.ConfirmationDeadline = s.RecruitmentEnd.Add(-time.Hour) },
			wantErr: true,
		},
		{
			name:    "payment not after confirmation",
			mutate:  func(s *domain.SessionSpec) { s.PaymentDeadline = s.ConfirmationDeadline },
			wantErr: true,
		},
		{
			name: "inverted delivery window",
			mutate: func(s *domain.SessionSpec) {
				s.DeliveryStart = base.Add(100 * time.Hour)
				s.DeliveryEnd = base.Add(99 * time.Hour)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := spec()
			tt.mutate(&sp)
			err := ValidateTimeline(sp)
			if tt.wantErr != (err != nil) {
				t.Fatalf("ValidateTimeline() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidTimeline) {
				t.Fatalf("ValidateTimeline() = %v, want ErrInvalidTimeline", err)
			}
		})
	}
}

func TestTimeRemaining(t *testing.T) {
	s := session(domain.SessionStatusRecruiting)

	if got := TimeRemaining(s, base.Add(47*time.Hour)); got != time.Hour {
		t.Errorf("TimeRemaining one hour before end = %v, want 1h", got)
	}
	if got := TimeRemaining(s, base.Add(50*time.Hour)); got != 0 {
		t.Errorf("TimeRemaining after end = %v, want 0 (never negative)", got)
	}

	c := session(domain.SessionStatusConfirmed)
	if got := TimeRemaining(c, base.Add(71*time.Hour)); got != time.Hour {
		t.Errorf("TimeRemaining for confirmed = %v, want 1h to payment deadline", got)
	}

	done := session(domain.SessionStatusCompleted)
	if got := TimeRemaining(done, base); got != 0 {
		t.Errorf("TimeRemaining for terminal session = %v, want 0", got)
	}
}

func TestIsRecruitmentOpen(t *testing.T) {
	s := session(domain.SessionStatusRecruiting)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before start", base.Add(-time.Minute), false},
		{"at start", base, true},
		{"mid window", base.Add(24 * time.Hour), true},
		{"at end (exclusive)", base.Add(48 * time.Hour), false},
		{"after end", base.Add(49 * time.Hour), false},
	}
	for _, tt := range tests {
		if got := IsRecruitmentOpen(s, tt.now); got != tt.want {
			t.Errorf("%s: IsRecruitmentOpen = %v, want %v", tt.name, got, tt.want)
		}
	}

	full := session(domain.SessionStatusFull)
	if IsRecruitmentOpen(full, base.Add(time.Hour)) {
		t.Error("IsRecruitmentOpen on full session = true, want false")
	}
}

func TestIsConfirmationDue(t *testing.T) {
	for _, status := range []domain.SessionStatus{domain.SessionStatusRecruiting, domain.SessionStatusFull} {
		s := session(status)
		if IsConfirmationDue(s, base.Add(time.Hour)) {
			t.Errorf("%s: confirmation due before recruitment end", status)
		}
		if !IsConfirmationDue(s, base.Add(48*time.Hour)) {
			t.Errorf("%s: confirmation not due at recruitment end", status)
		}
	}

	confirmed := session(domain.SessionStatusConfirmed)
	if IsConfirmationDue(confirmed, base.Add(72*time.Hour)) {
		t.Error("confirmation due reported for already confirmed session")
	}

	// A confirmation deadline later than recruitment end never delays the
	// decision; the fate is decided the moment recruitment closes.
	late := session(domain.SessionStatusRecruiting)
	late.ConfirmationDeadline = late.RecruitmentEnd.Add(6 * time.Hour)
	if !IsConfirmationDue(late, late.RecruitmentEnd) {
		t.Error("confirmation not due at recruitment end with later confirmation deadline")
	}
	if !IsConfirmationDue(late, late.RecruitmentEnd.Add(time.Hour)) {
		t.Error("confirmation not due after recruitment end with later confirmation deadline")
	}
}

func TestIsPaymentDue(t *testing.T) {
	s := session(domain.SessionStatusConfirmed)
	if IsPaymentDue(s, base.Add(71*time.Hour)) {
		t.Error("payment due before payment deadline")
	}
	if !IsPaymentDue(s, base.Add(72*time.Hour)) {
		t.Error("payment not due at payment deadline")
	}
	if IsPaymentDue(session(domain.SessionStatusRecruiting), base.Add(100*time.Hour)) {
		t.Error("payment due reported for recruiting session")
	}
}
