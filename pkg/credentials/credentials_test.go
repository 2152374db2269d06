package credentials

import (
	"context"
	"testing"
	"time"
)

func TestExpiringCredentialsCanExpire(t *testing.T) {
	tests := []struct {
		name  string
		creds ExpiringCredentials
		want  bool
	}{
		{
			name:  "no expiration",
			creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1"},
			want:  false,
		},
		{
			name: "with expiration",
			creds: ExpiringCredentials{
				AccessKeyID:     "AKIA1",
				SecretAccessKey: "s1",
				Expiration:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.CanExpire(); got != tt.want {
				t.Errorf("CanExpire() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiringCredentialsExpired(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		creds ExpiringCredentials
		at    time.Time
		want  bool
	}{
		{
			name:  "never expires",
			creds: ExpiringCredentials{AccessKeyID: "AKIA1"},
			at:    ref,
			want:  false,
		},
		{
			name:  "expiry in the future",
			creds: ExpiringCredentials{Expiration: ref.Add(time.Hour)},
			at:    ref,
			want:  false,
		},
		{
			name:  "expiry in the past",
			creds: ExpiringCredentials{Expiration: ref.Add(-time.Second)},
			at:    ref,
			want:  true,
		},
		{
			name:  "expiry exactly now",
			creds: ExpiringCredentials{Expiration: ref},
			at:    ref,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.Expired(tt.at); got != tt.want {
				t.Errorf("Expired(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestStaticRetriever(t *testing.T) {
	want := ExpiringCredentials{
		AccessKeyID:     "AKIASTATIC",
		SecretAccessKey: "secret",
		SessionToken:    "token",
	}
	r := StaticRetriever{Credentials: want}

	for i := 0; i < 3; i++ {
		got, err := r.Retrieve(context.Background())
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		if got != want {
			t.Errorf("Retrieve() = %+v, want %+v", got, want)
		}
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusInitialized, "initialized"},
		{StatusRunning, "running"},
		{StatusShuttingDown, "shutting-down"},
		{StatusStopped, "stopped"},
		{Status(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}
