package passphrase

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func testSource(env map[string]string, terminal bool, typed string, readErr error) (*Source, *int) {
	reads := 0
	s := NewSource("RATESWAP_HMAC_SECRET", "API signing secret")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func() ([]byte, error) {
		reads++
		return []byte(typed), readErr
	}
	s.prompt = io.Discard
	return s, &reads
}

func TestGetPrefersEnvironment(t *testing.T) {
	s, reads := testSource(map[string]string{"RATESWAP_HMAC_SECRET": "from-env"}, true, "typed", nil)
	got, err := s.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("got %q, %v", got, err)
	}
	if *reads != 0 {
		t.Fatalf("prompted despite environment value")
	}
}

func TestGetRejectsEmptyEnvironment(t *testing.T) {
	s, _ := testSource(map[string]string{"RATESWAP_HMAC_SECRET": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetPromptsOnceAndCaches(t *testing.T) {
	s, reads := testSource(nil, true, "typed", nil)
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "typed" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected one prompt, got %d", *reads)
	}
}

func TestGetFailsWithoutTerminal(t *testing.T) {
	s, _ := testSource(nil, false, "", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "RATESWAP_HMAC_SECRET") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetPropagatesReadErrors(t *testing.T) {
	s, _ := testSource(nil, true, "", errors.New("tty closed"))
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "tty closed") {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ = testSource(nil, true, "   ", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("unexpected error: %v", err)
	}
}
