package share

import "testing"

func TestParseArgsAppliesDefaults(t *testing.T) {
	cfg, err := ParseArgs(nil, DefaultGuestRoot)
	if err != nil {
		t.Fatalf("ParseArgs(nil): %v", err)
	}
	if cfg.RootDir != DefaultGuestRoot || cfg.Port != DefaultPort || cfg.LogLevel != LogLevelInfo {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseArgsOverridesInOrder(t *testing.T) {
	cfg, err := ParseArgs([]string{"/tmp/root", "1234", "DEBUG"}, DefaultGuestRoot)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.RootDir != "/tmp/root" || cfg.Port != 1234 || cfg.LogLevel != LogLevelDebug {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseArgsRejectsBadPort(t *testing.T) {
	if _, err := ParseArgs([]string{"", "not-a-port"}, DefaultGuestRoot); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
	if _, err := ParseArgs([]string{"", "70000"}, DefaultGuestRoot); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestParseArgsRejectsBadLogLevel(t *testing.T) {
	if _, err := ParseArgs([]string{"", "", "NOT_A_LEVEL"}, DefaultGuestRoot); err == nil {
		t.Fatal("expected error for unrecognized log level")
	}
}
