package definition

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petrijr/drip/pkg/api"
)

const campaignYAML = `
campaigns:
  - name: winback
    reentry: after_terminal
    segment:
      id: inactive-30
      label: Inactive 30+ Days
      predicate:
        kind: since
        trait: last_purchase_at
        op: gte
        window: 720h
    definition:
      id: winback
      entry: email
      exit_events: [purchase]
      steps:
        - id: email
          kind: send
          next: wait
          send:
            channel: email
            variants:
              - {label: A, weight: 50, content_ref: winback-a}
              - {label: B, weight: 50, content_ref: winback-b}
        - id: wait
          kind: wait
          next: opened
          wait: {mode: duration, duration: 72h}
        - id: opened
          kind: branch
          branch:
            predicate: {kind: event_within, event: email_open, window: 72h}
            true_next: done
            false_next: sms
        - id: sms
          kind: send
          next: done
          send: {channel: sms, content_ref: winback-sms}
        - id: done
          kind: exit
          exit: {reason: done}
`

func TestLoad(t *testing.T) {
	f, err := Load(strings.NewReader(campaignYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(f.Campaigns))
	}
	c := f.Campaigns[0]
	if c.Reentry != api.ReentryAfterTerminal {
		t.Fatalf("unexpected reentry %q", c.Reentry)
	}
	if c.Segment.Predicate.Window != 30*24*time.Hour {
		t.Fatalf("unexpected window %v", c.Segment.Predicate.Window)
	}
	wait, ok := c.Definition.Step("wait")
	if !ok || wait.Wait.Duration != 72*time.Hour {
		t.Fatalf("unexpected wait step %+v", wait)
	}
	if !c.Definition.ExitsOn(api.EventPurchase) {
		t.Fatalf("expected purchase exit event")
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("campaigns:\n  - name: x\n    colour: red\n"))
	if err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestFileValidate_ReportsCampaign(t *testing.T) {
	f, err := Load(strings.NewReader(strings.Replace(campaignYAML, "mode: duration, ", "", 1)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = f.Validate()
	if !errors.Is(err, api.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if !strings.Contains(err.Error(), "campaign winback") {
		t.Fatalf("expected campaign name in %q", err)
	}
}
