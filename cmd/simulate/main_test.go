package main

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/logging"
)

func TestScenarioCancel(t *testing.T) {
	if err := run(context.Background(), logging.Nop(), 50, false); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestScenarioComplete(t *testing.T) {
	if err := run(context.Background(), logging.Nop(), 50, true); err != nil {
		t.Fatalf("run: %v", err)
	}
}
