package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ameya051/chat-with-pdf/internal/config"
)

type fakeModels struct {
	served map[string]bool
	err    error
}

func (f fakeModels) HasModel(ctx context.Context, name string) (bool, error) {
	return f.served[name], f.err
}

func TestCheckGenerationModel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Generation.Model = "gemini-1.5-flash"
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		models  modelChecker
		wantErr bool
	}{
		{"other provider", nil, false},
		{"served", fakeModels{served: map[string]bool{"gemini-1.5-flash": true}}, false},
		{"not served", fakeModels{served: map[string]bool{"gpt-4o": true}}, true},
		{"listing unsupported", fakeModels{err: errors.New("unexpected status 404")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{cfg: cfg, models: tt.models, logger: quiet}
			err := a.checkGenerationModel(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "gemini-1.5-flash") {
				t.Errorf("error %q does not name the model", err)
			}
		})
	}
}
