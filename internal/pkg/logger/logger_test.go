package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithPayment_AddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithContext(context.Background(), &base)

	ctx = WithPayment(ctx, "5077125051", "user-1")
	FromContext(ctx).Info().Msg("polled")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["payment_id"] != "5077125051" {
		t.Fatalf("expected payment_id field, got %v", line["payment_id"])
	}
	if line["user_id"] != "user-1" {
		t.Fatalf("expected user_id field, got %v", line["user_id"])
	}
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected global logger")
	}
}
