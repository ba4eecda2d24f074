package cli

import (
	"context"
	"fmt"
	"testing"

	"github.com/BartekS5/totesys-etl/internal/alert"
	"github.com/BartekS5/totesys-etl/internal/etl"
	"github.com/BartekS5/totesys-etl/internal/secrets"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

func TestSourceSessionMissingSecret(t *testing.T) {
	s := &sourceSession{
		creds:      secrets.StaticProvider{},
		secretName: "totesys-db",
		source:     &etl.SQLSource{Driver: "postgres"},
	}
	release, err := s.Connect(context.Background())
	if err == nil || release != nil {
		t.Fatalf("Connect = %v", err)
	}
	if etl.KindOf(err) != etl.KindConfiguration {
		t.Errorf("kind = %s, want configuration", etl.KindOf(err))
	}
	if s.source.DB != nil {
		t.Error("source connected without credentials")
	}
}

func TestSourceSessionRejectsUnknownDriver(t *testing.T) {
	s := &sourceSession{
		creds:      secrets.StaticProvider{"totesys-db": models.DBCredentials{Host: "db", Port: 5432}},
		secretName: "totesys-db",
		source:     &etl.SQLSource{Driver: "oracle"},
	}
	if _, err := s.Connect(context.Background()); etl.KindOf(err) != etl.KindConfiguration {
		t.Errorf("Connect = %v, want a configuration error", err)
	}
}

func TestStartupFailureIsNotified(t *testing.T) {
	rec := &alert.Recorder{}
	notifyStartupFailure(context.Background(), rec, fmt.Errorf("warehouse credentials: %w", secrets.ErrSecretNotFound))

	if len(rec.Events) != 1 {
		t.Fatalf("events = %+v", rec.Events)
	}
	e := rec.Events[0]
	if e.Stage != "configure" || e.Kind != "configuration" || e.OccurredAt.IsZero() || e.Error == "" {
		t.Errorf("event = %+v", e)
	}
}
