package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/domain"
)

func TestRejectObserver(t *testing.T) {
	var buf bytes.Buffer
	observer := NewRejectObserver(slog.New(slog.NewJSONHandler(&buf, nil)))

	before := testutil.ToFloat64(Submissions.WithLabelValues(OutcomeRejected, string(domain.RejectBadSignature)))
	observer.ObserveReject(context.Background(), domain.RejectEvent{
		Reason:   domain.RejectBadSignature,
		Class:    domain.RejectClassTrust,
		ClientIP: "198.51.100.4",
	})
	after := testutil.ToFloat64(Submissions.WithLabelValues(OutcomeRejected, string(domain.RejectBadSignature)))
	assert.Equal(t, before+1, after)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "BAD_SIGNATURE", line["reason"])

	buf.Reset()
	observer.ObserveReject(context.Background(), domain.RejectEvent{
		Reason: domain.RejectScoreTooHigh,
		Class:  domain.RejectClassPlausibility,
	})
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "INFO", line["level"])
}
