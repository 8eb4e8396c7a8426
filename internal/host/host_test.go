package host

import (
	"context"
	"testing"

	"github.com/vaultkeep/vaultkeep/internal/activation"
	"github.com/vaultkeep/vaultkeep/internal/policy"
	"github.com/vaultkeep/vaultkeep/internal/registry"
	"github.com/vaultkeep/vaultkeep/internal/session"
	"github.com/vaultkeep/vaultkeep/internal/transport"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

func okHandler(caps []string) func(wire.Message) (wire.Message, bool, error) {
	return func(sent wire.Message) (wire.Message, bool, error) {
		switch sent.Kind {
		case wire.KindHandshake:
			return wire.HandshakeAck(true, sent.ProtocolVersion, "", caps), true, nil
		case wire.KindActivate:
			return wire.ActivateResult(sent.RequestID, true, "", 7), true, nil
		case wire.KindPing:
			return wire.Pong(sent.RequestID), true, nil
		default:
			return wire.Message{}, false, nil
		}
	}
}

func newTestHost(t *testing.T, maxSessions int) *Host {
	t.Helper()
	pol := policy.Normalize(policy.Raw{
		AllowedCapabilities:     []string{"fs.read"},
		KeepAliveSession:        true,
		MaxKeepAliveSessions:    maxSessions,
		ActivationTimeoutMillis: 5000,
	})
	spawn := func(cmd transport.Command) (transport.Transport, error) {
		return &transport.Scripted{Handle: okHandler([]string{"fs.read"})}, nil
	}
	return New(nil, pol, spawn)
}

func TestHappyPathViaTrigger(t *testing.T) {
	h := newTestHost(t, 8)
	h.Register(registry.Manifest{PluginID: "p1", Version: "1.0.0", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_startup_finished"}})

	outcomes := h.Trigger(context.Background(), "on_startup_finished")
	if len(outcomes) != 1 || outcomes[0].Result.Outcome != activation.OutcomeReady {
		t.Fatalf("expected 1 ready outcome, got %+v", outcomes)
	}

	state, err := h.LifecycleState("p1")
	if err != nil || state.Kind != registry.StateActive {
		t.Fatalf("expected Active, got %+v err=%v", state, err)
	}

	snaps := h.ActiveSessionsSnapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 session snapshot, got %d", len(snaps))
	}
}

func TestTriggerIgnoresNonMatchingPlugins(t *testing.T) {
	h := newTestHost(t, 8)
	h.Register(registry.Manifest{PluginID: "p1", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_vault_opened"}})

	outcomes := h.Trigger(context.Background(), "on_startup_finished")
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes for non-matching trigger, got %+v", outcomes)
	}
}

func TestTriggerSkipsDisabledPlugins(t *testing.T) {
	h := newTestHost(t, 8)
	h.Register(registry.Manifest{PluginID: "p1", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_startup_finished"}})
	_ = h.Registry.BeginActivation("p1")
	h.Registry.FailActivation("p1", nil, 1)

	outcomes := h.Trigger(context.Background(), "on_startup_finished")
	if len(outcomes) != 0 {
		t.Fatalf("expected disabled plugin to be skipped, got %+v", outcomes)
	}
}

func TestResetReEnablesAndAllowsRetrigger(t *testing.T) {
	h := newTestHost(t, 8)
	h.Register(registry.Manifest{PluginID: "p1", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_startup_finished"}})
	_ = h.Registry.BeginActivation("p1")
	h.Registry.FailActivation("p1", nil, 1)

	if err := h.Reset("p1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	outcomes := h.Trigger(context.Background(), "on_startup_finished")
	if len(outcomes) != 1 || outcomes[0].Result.Outcome != activation.OutcomeReady {
		t.Fatalf("expected successful retrigger after reset, got %+v", outcomes)
	}
}

func TestCapacityEvictionAcrossThreePlugins(t *testing.T) {
	h := newTestHost(t, 2)
	for _, id := range []string{"p1", "p2", "p3"} {
		h.Register(registry.Manifest{PluginID: id, Version: "1.0.0", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_command:" + id}})
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		rec, _ := h.Registry.Get(id)
		outcomes := h.Trigger(context.Background(), "on_command:"+id)
		found := false
		for _, o := range outcomes {
			if o.PluginID == id {
				found = true
				if o.Result.Outcome != activation.OutcomeReady {
					t.Fatalf("expected %s ready, got %+v (was %v)", id, o.Result, rec.State.Kind)
				}
			}
		}
		if !found {
			t.Fatalf("expected an outcome for %s", id)
		}
	}

	snaps := h.ActiveSessionsSnapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 retained sessions, got %d: %+v", len(snaps), snaps)
	}
	want := map[string]bool{
		string(session.NewKey("p2", "1.0.0", []string{"fs.read"})): true,
		string(session.NewKey("p3", "1.0.0", []string{"fs.read"})): true,
	}
	for _, s := range snaps {
		if !want[string(s.Key)] {
			t.Fatalf("unexpected retained key %v, want p2/p3", s.Key)
		}
	}
	if h.TelemetrySnapshot().EvictedByLimitCount != 1 {
		t.Fatalf("expected evicted_by_limit_count 1, got %d", h.TelemetrySnapshot().EvictedByLimitCount)
	}
}

func TestShutdownTerminatesEverySession(t *testing.T) {
	h := newTestHost(t, 8)
	h.Register(registry.Manifest{PluginID: "p1", Version: "1.0.0", DeclaredCapabilities: []string{"fs.read"}, Command: "worker", ActivationEvents: []string{"on_startup_finished"}})
	h.Trigger(context.Background(), "on_startup_finished")

	key := session.NewKey("p1", "1.0.0", []string{"fs.read"})
	sess, ok := h.Sessions.Get(key)
	if !ok {
		t.Fatal("expected a live session before shutdown")
	}
	scripted := sess.Transport.(*transport.Scripted)

	h.Shutdown()
	if !scripted.Terminated() {
		t.Fatal("expected transport terminated on shutdown")
	}
}
