package relay

import "testing"

func TestBuildSmuxConfigValid(t *testing.T) {
	cfg, err := BuildSmuxConfig(SmuxParams{
		Version:          2,
		MaxReceiveBuffer: 4194304,
		MaxStreamBuffer:  2097152,
		MaxFrameSize:     8192,
		KeepAliveSeconds: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != 2 || cfg.MaxFrameSize != 8192 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestBuildSmuxConfigRejectsBadVersion(t *testing.T) {
	if _, err := BuildSmuxConfig(SmuxParams{Version: 99, MaxReceiveBuffer: 4194304, MaxStreamBuffer: 2097152, MaxFrameSize: 8192, KeepAliveSeconds: 10}); err == nil {
		t.Fatalf("expected an error for an unsupported smux version")
	}
}
