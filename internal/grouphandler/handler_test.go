package grouphandler

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/policy"
)

func newHandlerTestClient(t *testing.T, cp crypto.Provider, userID uint64, deviceID string) (*mlsadapter.Client, identity.AccountCredential) {
	t.Helper()
	userPub, userPriv, err := cp.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	devicePub, devicePriv, err := cp.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	cred, err := identity.SignDeviceCredential(cp, userID, deviceID, userPub, userPriv, devicePub)
	if err != nil {
		t.Fatalf("sign device credential: %v", err)
	}
	account := identity.AccountCredential{AccountID: identity.AccountID{UserID: userID}, PublicKey: userPub}
	return mlsadapter.NewClient(cp, cred, devicePriv), account
}

type fakeStore struct {
	mu     sync.Mutex
	groups map[string]*mlsadapter.Group
	dropped []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: make(map[string]*mlsadapter.Group)}
}

func (s *fakeStore) Group(groupID string) (*mlsadapter.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	return g, ok
}

func (s *fakeStore) PutGroup(groupID string, group *mlsadapter.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = group
}

func (s *fakeStore) DropGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	s.dropped = append(s.dropped, groupID)
}

type fakeAcker struct {
	mu    sync.Mutex
	calls int
}

func (a *fakeAcker) AckDelivery(messageID uint64, userID uint64, deviceID string, groupID []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return nil
}

type fakeRekeyer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRekeyer) RekeyGroup(groupID string, group *mlsadapter.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleWelcomeMessageEmitsJoinEvent(t *testing.T) {
	cp := crypto.NewProvider()
	alice, aliceAccount := newHandlerTestClient(t, cp, 1, "alice-phone")
	cfg := policy.NewGroupConfig(1, "group", 1)
	g, err := mlsadapter.CreateGroup(alice, []byte("group-1"), cfg, aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bob, bobAccount := newHandlerTestClient(t, cp, 2, "bob-laptop")
	bobKP, _, err := bob.GenerateKeyPackage()
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	result, err := g.BuildCommit(1, mlsadapter.CommitProposals{
		AddUsers:  []policy.AddUserProposal{{NewUser: bobAccount}},
		NewLeaves: []mlsadapter.KeyPackage{bobKP},
	})
	if err != nil {
		t.Fatalf("BuildCommit: %v", err)
	}
	if result.Welcome == nil {
		t.Fatal("expected a welcome")
	}
	welcomeBytes, err := result.Welcome.Encode()
	if err != nil {
		t.Fatalf("encode welcome: %v", err)
	}

	store := newFakeStore()
	events := make(chan Event, 4)
	h := New(discardLogger(), nil, store, nil, nil, 2, "bob-laptop", events)

	h.HandleWelcomeMessage(bob, welcomeBytes)

	select {
	case ev := <-events:
		if ev.Kind != EventJoinGroup {
			t.Fatalf("Kind = %v, want EventJoinGroup", ev.Kind)
		}
		if ev.JoinGroup == nil {
			t.Fatal("JoinGroup payload is nil")
		}
		if len(ev.JoinGroup.Members) != 2 {
			t.Errorf("Members = %v, want 2 entries", ev.JoinGroup.Members)
		}
	default:
		t.Fatal("expected a join event")
	}

	if _, ok := store.Group("group-1"); !ok {
		t.Error("expected the joined group to be stored")
	}
}

func TestHandleGroupMessageApplicationMessageRoundTrip(t *testing.T) {
	cp := crypto.NewProvider()
	alice, aliceAccount := newHandlerTestClient(t, cp, 1, "alice-phone")
	cfg := policy.NewGroupConfig(1, "group", 1)
	g, err := mlsadapter.CreateGroup(alice, []byte("group-1"), cfg, aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	plaintext := EncodeTextMessage(TextMessage{
		MessageID: 1, SenderID: 1, Date: 100,
		GroupID: []byte("group-1"), Text: []byte("hi"),
		ReplyID: -1, Expires: -1, EditDate: -1,
	})
	ciphertext, nonce, epoch, err := g.SealApplicationMessage(plaintext)
	if err != nil {
		t.Fatalf("SealApplicationMessage: %v", err)
	}
	envelope := EncodeApplicationEnvelope(ApplicationEnvelope{
		SenderUserID: 1, Epoch: epoch, Nonce: nonce, Ciphertext: ciphertext,
	})

	store := newFakeStore()
	store.PutGroup("group-1", g)
	acker := &fakeAcker{}
	events := make(chan Event, 4)
	h := New(discardLogger(), nil, store, acker, nil, 1, "alice-phone", events)

	h.HandleGroupMessage(nil, 9, []byte("group-1"), false, envelope)

	select {
	case ev := <-events:
		if ev.Kind != EventNewGroupMessage {
			t.Fatalf("Kind = %v, want EventNewGroupMessage", ev.Kind)
		}
		if string(ev.NewGroupMessage.Message.Text) != "hi" {
			t.Errorf("Text = %q, want %q", ev.NewGroupMessage.Message.Text, "hi")
		}
	default:
		t.Fatal("expected a new-message event")
	}
	if acker.calls != 1 {
		t.Errorf("ack calls = %d, want 1", acker.calls)
	}
}

func TestHandleGroupMessageDropsMutedSender(t *testing.T) {
	cp := crypto.NewProvider()
	alice, aliceAccount := newHandlerTestClient(t, cp, 1, "alice-phone")
	cfg := policy.NewGroupConfig(1, "group", 1)
	cfg.Mute(1, time.Now().Add(time.Hour))
	g, err := mlsadapter.CreateGroup(alice, []byte("group-1"), cfg, aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	plaintext := EncodeTextMessage(TextMessage{
		MessageID: 1, SenderID: 1, Date: 100,
		GroupID: []byte("group-1"), Text: []byte("hi"),
		ReplyID: -1, Expires: -1, EditDate: -1,
	})
	ciphertext, nonce, epoch, err := g.SealApplicationMessage(plaintext)
	if err != nil {
		t.Fatalf("SealApplicationMessage: %v", err)
	}
	envelope := EncodeApplicationEnvelope(ApplicationEnvelope{
		SenderUserID: 1, Epoch: epoch, Nonce: nonce, Ciphertext: ciphertext,
	})

	store := newFakeStore()
	store.PutGroup("group-1", g)
	events := make(chan Event, 4)
	h := New(discardLogger(), nil, store, &fakeAcker{}, nil, 1, "alice-phone", events)

	h.HandleGroupMessage(nil, 9, []byte("group-1"), false, envelope)

	select {
	case ev := <-events:
		t.Fatalf("expected no event for a muted sender, got %v", ev.Kind)
	default:
	}
}

func TestHandleGroupMessageUnknownGroupIsIgnored(t *testing.T) {
	store := newFakeStore()
	events := make(chan Event, 1)
	h := New(discardLogger(), nil, store, &fakeAcker{}, nil, 1, "alice-phone", events)

	h.HandleGroupMessage(nil, 1, []byte("nonexistent"), false, nil)

	select {
	case ev := <-events:
		t.Fatalf("expected no event, got %v", ev.Kind)
	default:
	}
}

func TestHandleGroupMessageCommitAppliesAndNotifiesRekeyer(t *testing.T) {
	cp := crypto.NewProvider()
	alice, aliceAccount := newHandlerTestClient(t, cp, 1, "alice-phone")
	cfg := policy.NewGroupConfig(1, "group", 1)
	g, err := mlsadapter.CreateGroup(alice, []byte("group-1"), cfg, aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bob, bobAccount := newHandlerTestClient(t, cp, 2, "bob-laptop")
	bobKP, _, err := bob.GenerateKeyPackage()
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	if _, err := g.BuildCommit(1, mlsadapter.CommitProposals{
		AddUsers:  []policy.AddUserProposal{{NewUser: bobAccount}},
		NewLeaves: []mlsadapter.KeyPackage{bobKP},
	}); err != nil {
		t.Fatalf("BuildCommit: %v", err)
	}
	commitBytes, err := g.EncodeCommit()
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}

	aliceView, err := mlsadapter.CreateGroup(alice, []byte("group-1"), policy.NewGroupConfig(1, "group", 1), aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup (alice view): %v", err)
	}

	store := newFakeStore()
	store.PutGroup("group-1", aliceView)
	acker := &fakeAcker{}
	rekeyer := &fakeRekeyer{}
	events := make(chan Event, 4)
	h := New(discardLogger(), nil, store, acker, rekeyer, 1, "alice-phone", events)

	h.HandleGroupMessage(nil, 3, []byte("group-1"), true, commitBytes)

	if aliceView.Epoch() != 1 {
		t.Errorf("Epoch after commit = %d, want 1", aliceView.Epoch())
	}
	if rekeyer.calls != 1 {
		t.Errorf("rekeyer calls = %d, want 1", rekeyer.calls)
	}
	if acker.calls != 1 {
		t.Errorf("ack calls = %d, want 1", acker.calls)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventGroupConfigUpdated {
			t.Fatalf("Kind = %v, want EventGroupConfigUpdated", ev.Kind)
		}
	default:
		t.Fatal("expected a config-updated event")
	}
}

func TestEventChannelFullDropsEvent(t *testing.T) {
	cp := crypto.NewProvider()
	alice, aliceAccount := newHandlerTestClient(t, cp, 1, "alice-phone")
	cfg := policy.NewGroupConfig(1, "group", 1)
	g, err := mlsadapter.CreateGroup(alice, []byte("group-1"), cfg, aliceAccount)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	events := make(chan Event)
	h := New(discardLogger(), nil, newFakeStore(), &fakeAcker{}, nil, 1, "alice-phone", events)

	h.emit(Event{Kind: EventGroupRemoved, GroupRemoved: &GroupRemovedEvent{GroupID: g.GroupID()}})
}
