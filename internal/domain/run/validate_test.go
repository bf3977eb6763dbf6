package run

import (
	"errors"
	"testing"

	"github.com/mkarren/webpilot/internal/domain"
)

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name    string
		run     Run
		wantErr bool
	}{
		{
			name: "valid run",
			run:  Run{Prompt: "Open example.com", Status: StatusQueued},
		},
		{
			name: "empty status is allowed before persistence defaults it",
			run:  Run{Prompt: "Open example.com"},
		},
		{
			name:    "blank prompt",
			run:     Run{Prompt: "   ", Status: StatusQueued},
			wantErr: true,
		},
		{
			name:    "unknown status",
			run:     Run{Prompt: "Open example.com", Status: Status("paused")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateRequestValidate(t *testing.T) {
	req := CreateRequest{Prompt: ""}
	err := req.Validate()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	req.Prompt = "Check the weather"
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
