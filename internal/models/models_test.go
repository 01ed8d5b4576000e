package models

import (
	"encoding/json"
	"testing"
)

func TestMessageStateRank(t *testing.T) {
	order := []MessageState{MessagePending, MessageSending, MessageSent, MessageDelivered, MessageRead}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s to rank below %s", order[i-1], order[i])
		}
	}
	if MessageFailed.Rank() != -1 {
		t.Errorf("FAILED rank = %d, want -1", MessageFailed.Rank())
	}
}

func TestCampaignStateIsTerminal(t *testing.T) {
	tests := []struct {
		state CampaignState
		want  bool
	}{
		{CampaignCreated, false},
		{CampaignQueued, false},
		{CampaignSending, false},
		{CampaignPaused, false},
		{CampaignCancelled, true},
		{CampaignCompleted, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCampaignCounterIsValid(t *testing.T) {
	if !CounterRead.IsValid() {
		t.Error("read_count should be a valid counter")
	}
	if CampaignCounter("total_count; DROP TABLE campaigns").IsValid() {
		t.Error("arbitrary column names must be rejected")
	}
}

func TestCreateCampaignRequestValidate(t *testing.T) {
	valid := CreateCampaignRequest{
		OwnerID:         "op-1",
		MessageTemplate: "Hola {name}",
		Recipients:      []Recipient{{Address: "5215550000001"}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *CreateCampaignRequest)
		want   error
	}{
		{"missing owner", func(r *CreateCampaignRequest) { r.OwnerID = " " }, ErrEmptyOwner},
		{"missing template", func(r *CreateCampaignRequest) { r.MessageTemplate = "" }, ErrEmptyTemplate},
		{"no recipients", func(r *CreateCampaignRequest) { r.Recipients = nil }, ErrNoRecipients},
		{"blank address", func(r *CreateCampaignRequest) { r.Recipients = []Recipient{{Address: ""}} }, ErrEmptyRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); err != tt.want {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	data, err := json.Marshal(Error("boom"))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"status":"error","message":"boom"}` {
		t.Errorf("unexpected error envelope: %s", data)
	}

	ok := Success(map[string]int{"n": 1})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected success envelope: %+v", ok)
	}

	acc := Accepted("connecting")
	if acc.Status != string(APIStatusAccepted) || acc.Message != "connecting" {
		t.Errorf("unexpected accepted envelope: %+v", acc)
	}
}
