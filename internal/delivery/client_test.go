package delivery

import (
	"encoding/json"
	"testing"

	"github.com/shipcore/groupcore/internal/crypto"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cp := crypto.NewProvider()
	_, priv, err := cp.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	c, err := NewClient(Config{
		Endpoints:  []string{"https://example.invalid"},
		UserID:     1,
		DeviceID:   "alice-phone",
		SigningKey: priv,
		Crypto:     cp,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresAnEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Errorf("NewClient with no endpoints: err = nil, want error")
	}
}

func TestSubscribeEnqueuesUpdateGroupSubscriptions(t *testing.T) {
	c := newTestClient(t)
	c.Subscribe([]byte("group-1"))

	env := <-c.outbound
	if env.Op != OpStream || env.Kind != KindUpdateGroupSubscriptions {
		t.Fatalf("envelope = %+v, want op=%d kind=%s", env, OpStream, KindUpdateGroupSubscriptions)
	}
	var payload UpdateGroupSubscriptions
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Add) != 1 || string(payload.Add[0]) != "group-1" {
		t.Errorf("Add = %v, want [group-1]", payload.Add)
	}

	list := c.subscriptionList()
	if len(list) != 1 || string(list[0]) != "group-1" {
		t.Errorf("subscriptionList = %v, want [group-1]", list)
	}
}

func TestUnsubscribeRemovesFromSubscriptionList(t *testing.T) {
	c := newTestClient(t)
	c.Subscribe([]byte("group-1"))
	<-c.outbound
	c.Unsubscribe([]byte("group-1"))
	<-c.outbound

	if len(c.subscriptionList()) != 0 {
		t.Errorf("subscriptionList after unsubscribe = %v, want empty", c.subscriptionList())
	}
}

func TestSendApplicationMessageTagsPayloadAsApplication(t *testing.T) {
	c := newTestClient(t)
	c.SendApplicationMessage(5, []byte("group-1"), []uint64{1, 2}, []byte("plaintext envelope"))

	env := <-c.outbound
	var msg GroupMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	isCommit, payload, ok := untagGroupMessage(msg.Message)
	if !ok || isCommit {
		t.Fatalf("untagGroupMessage = (%v, _, %v), want (false, _, true)", isCommit, ok)
	}
	if string(payload) != "plaintext envelope" {
		t.Errorf("payload = %q, want %q", payload, "plaintext envelope")
	}
}

func TestSendCommitTagsPayloadAsCommit(t *testing.T) {
	c := newTestClient(t)
	c.SendCommit(6, []byte("group-1"), []uint64{1, 2}, []byte("commit state"))

	env := <-c.outbound
	var msg GroupMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	isCommit, _, ok := untagGroupMessage(msg.Message)
	if !ok || !isCommit {
		t.Fatalf("untagGroupMessage = (%v, _, %v), want (true, _, true)", isCommit, ok)
	}
}

func TestAckDeliveryEnqueuesAckFrame(t *testing.T) {
	c := newTestClient(t)
	if err := c.AckDelivery(9, 1, "alice-phone", []byte("group-1")); err != nil {
		t.Fatalf("AckDelivery: %v", err)
	}

	env := <-c.outbound
	if env.Kind != KindAckDelivery {
		t.Fatalf("kind = %q, want %q", env.Kind, KindAckDelivery)
	}
	var ack AckDelivery
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.MessageID != 9 || ack.DeviceID != "alice-phone" {
		t.Errorf("ack = %+v, want message_id=9 device_id=alice-phone", ack)
	}
}
