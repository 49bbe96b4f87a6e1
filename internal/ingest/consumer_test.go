package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rawblock/intel-engine/internal/engine"
	"github.com/rawblock/intel-engine/pkg/models"
)

type stubHandler struct {
	got []models.Discovery
	err error
}

func (s *stubHandler) HandleDiscovery(_ context.Context, d models.Discovery) (engine.ScoreResult, error) {
	s.got = append(s.got, d)
	if s.err != nil {
		return engine.ScoreResult{}, s.err
	}
	return engine.ScoreResult{AddressID: "a-1"}, nil
}

func TestProcess_Outcomes(t *testing.T) {
	cases := []struct {
		name  string
		value string
		err   error
		want  Outcome
	}{
		{"scored", `{"address":"1BoatSLRHtKNngkdXEeobR76b53LETtpyT","crypto_type":"BTC","source_url":"http://x"}`, nil, OutcomeScored},
		{"malformed", `{not json`, nil, OutcomeMalformed},
		{"invalid", `{"address":"x","crypto_type":"FOO"}`, fmt.Errorf("%w: unknown crypto_type", models.ErrInput), OutcomeInvalid},
		{"unknown", `{"address":"x","crypto_type":"BTC"}`, fmt.Errorf("lookup: %w", models.ErrNotFound), OutcomeUnknown},
		{"failed", `{"address":"x","crypto_type":"BTC"}`, errors.New("registry down"), OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &stubHandler{err: tc.err}
			c := &Consumer{handler: h}
			if got := c.Process(context.Background(), []byte(tc.value)); got != tc.want {
				t.Fatalf("Process() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestProcess_PassesDiscoveryThrough(t *testing.T) {
	h := &stubHandler{}
	c := &Consumer{handler: h}
	c.Process(context.Background(), []byte(`{"address":"0xabc","crypto_type":"eth","source_url":"https://t.me/x","category":"scam"}`))

	if len(h.got) != 1 {
		t.Fatalf("expected one handled discovery")
	}
	d := h.got[0]
	if d.Address != "0xabc" || d.CryptoType != "eth" || d.SourceURL != "https://t.me/x" || d.Category != "scam" {
		t.Fatalf("unexpected discovery %+v", d)
	}
}
