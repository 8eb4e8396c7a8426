package policy

import "testing"

func TestNormalizeDefaults(t *testing.T) {
	p := Normalize(Raw{})

	if p.ActivationTimeoutMillis != defaultActivationTimeoutMillis {
		t.Errorf("ActivationTimeoutMillis = %d, want default %d", p.ActivationTimeoutMillis, defaultActivationTimeoutMillis)
	}
	if p.SessionPingTimeoutMillis != defaultSessionPingTimeoutMillis {
		t.Errorf("SessionPingTimeoutMillis = %d, want default %d", p.SessionPingTimeoutMillis, defaultSessionPingTimeoutMillis)
	}
	if p.MaxKeepAliveSessions != defaultMaxKeepAliveSessions {
		t.Errorf("MaxKeepAliveSessions = %d, want default %d", p.MaxKeepAliveSessions, defaultMaxKeepAliveSessions)
	}
	if p.SessionIdleTTLMillis != defaultSessionIdleTTLMillis {
		t.Errorf("SessionIdleTTLMillis = %d, want default %d", p.SessionIdleTTLMillis, defaultSessionIdleTTLMillis)
	}
	if p.MaxFailedActivations != defaultMaxFailedActivations {
		t.Errorf("MaxFailedActivations = %d, want default %d", p.MaxFailedActivations, defaultMaxFailedActivations)
	}
	if len(p.SupportedProtocolVersions) != 1 || p.SupportedProtocolVersions[0] != defaultProtocolVersion {
		t.Errorf("SupportedProtocolVersions = %v, want [%d]", p.SupportedProtocolVersions, defaultProtocolVersion)
	}
	if !p.CountCancelledAsFailure {
		t.Error("CountCancelledAsFailure default should be true")
	}
	if p.RuntimeMode != ModeProcess {
		t.Errorf("RuntimeMode = %v, want %v", p.RuntimeMode, ModeProcess)
	}
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	raw := Raw{
		ActivationTimeoutMillis:  -5,
		SessionPingTimeoutMillis: 999_999,
		MaxKeepAliveSessions:     5000,
		SessionIdleTTLMillis:     1,
		MaxFailedActivations:     9999,
	}
	p := Normalize(raw)

	if p.ActivationTimeoutMillis != minActivationTimeoutMillis {
		t.Errorf("ActivationTimeoutMillis = %d, want clamp to min %d", p.ActivationTimeoutMillis, minActivationTimeoutMillis)
	}
	if p.SessionPingTimeoutMillis != maxSessionPingTimeoutMillis {
		t.Errorf("SessionPingTimeoutMillis = %d, want clamp to max %d", p.SessionPingTimeoutMillis, maxSessionPingTimeoutMillis)
	}
	if p.MaxKeepAliveSessions != maxMaxKeepAliveSessions {
		t.Errorf("MaxKeepAliveSessions = %d, want clamp to max %d", p.MaxKeepAliveSessions, maxMaxKeepAliveSessions)
	}
	if p.SessionIdleTTLMillis != minSessionIdleTTLMillis {
		t.Errorf("SessionIdleTTLMillis = %d, want clamp to min %d", p.SessionIdleTTLMillis, minSessionIdleTTLMillis)
	}
	if p.MaxFailedActivations != maxMaxFailedActivations {
		t.Errorf("MaxFailedActivations = %d, want clamp to max %d", p.MaxFailedActivations, maxMaxFailedActivations)
	}
}

func TestNormalizeSupportedVersionsDedupAndSortDescending(t *testing.T) {
	p := Normalize(Raw{SupportedProtocolVersions: []uint32{1, 3, 2, 3, 1}})
	want := []uint32{3, 2, 1}
	if len(p.SupportedProtocolVersions) != len(want) {
		t.Fatalf("got %v, want %v", p.SupportedProtocolVersions, want)
	}
	for i, v := range want {
		if p.SupportedProtocolVersions[i] != v {
			t.Fatalf("got %v, want %v", p.SupportedProtocolVersions, want)
		}
	}
}

func TestNormalizeCountCancelledAsFailureExplicitFalse(t *testing.T) {
	f := false
	p := Normalize(Raw{CountCancelledAsFailure: &f})
	if p.CountCancelledAsFailure {
		t.Error("expected explicit false to be preserved")
	}
}

func TestNormalizeInProcessModePreserved(t *testing.T) {
	p := Normalize(Raw{RuntimeMode: ModeInProcess})
	if p.RuntimeMode != ModeInProcess {
		t.Errorf("RuntimeMode = %v, want %v", p.RuntimeMode, ModeInProcess)
	}
}

func TestCheckAllowsDeclaredSubset(t *testing.T) {
	p := Normalize(Raw{AllowedCapabilities: []string{"fs.read", "net.fetch"}})
	if err := Check([]string{"fs.read"}, p); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckRejectsUndeclaredCapability(t *testing.T) {
	p := Normalize(Raw{AllowedCapabilities: []string{"fs.read"}})
	err := Check([]string{"fs.read", "net.fetch"}, p)
	if err == nil {
		t.Fatal("expected capability violation")
	}
	if err.Code != "CAPABILITY_VIOLATION" {
		t.Errorf("Code = %v, want CAPABILITY_VIOLATION", err.Code)
	}
}

func TestSubset(t *testing.T) {
	if !Subset([]string{"a"}, []string{"a", "b"}) {
		t.Error("expected subset true")
	}
	if Subset([]string{"a", "c"}, []string{"a", "b"}) {
		t.Error("expected subset false")
	}
	if !Subset(nil, []string{"a"}) {
		t.Error("empty sub is always a subset")
	}
}
