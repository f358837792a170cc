package smtp4j

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
)

type staticAuthProvider struct {
	users    map[string]string
	maxTries int
}

func (p *staticAuthProvider) PasswordFor(user string) (string, bool) {
	pw, ok := p.users[user]
	return pw, ok
}

func (p *staticAuthProvider) MaxTries() int { return p.maxTries }

func TestAuthEnginePlainSuccess(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{users: map[string]string{"alice": "hunter2"}}, "mail.example.test")

	resp := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))
	ok, malformed := a.startPlain(resp)
	if malformed {
		t.Fatal("unexpectedly malformed")
	}
	if !ok {
		t.Fatal("expected success")
	}
}

func TestAuthEnginePlainWrongPassword(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{users: map[string]string{"alice": "hunter2"}}, "mail.example.test")

	resp := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	ok, malformed := a.startPlain(resp)
	if malformed {
		t.Fatal("unexpectedly malformed")
	}
	if ok {
		t.Fatal("expected failure")
	}
}

func TestAuthEnginePlainMalformedBase64(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{users: map[string]string{"alice": "hunter2"}}, "mail.example.test")

	_, malformed := a.startPlain("not-base64!!!")
	if !malformed {
		t.Fatal("expected malformed")
	}
}

func TestAuthEngineCramMD5Success(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{users: map[string]string{"bob": "secret"}}, "mail.example.test")

	challengeB64, flow := a.startCramMD5()
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if string(challenge) != flow.cramChallenge {
		t.Fatalf("challenge mismatch")
	}

	mac := hmac.New(md5.New, []byte("secret"))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	resp := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("bob %s", digest)))

	ok, malformed := a.finishCramMD5(flow.cramChallenge, resp)
	if malformed {
		t.Fatal("unexpectedly malformed")
	}
	if !ok {
		t.Fatal("expected success")
	}
}

func TestAuthEngineCramMD5UnknownUser(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{users: map[string]string{"bob": "secret"}}, "mail.example.test")

	_, flow := a.startCramMD5()
	resp := base64.StdEncoding.EncodeToString([]byte("nobody deadbeef"))

	ok, malformed := a.finishCramMD5(flow.cramChallenge, resp)
	if malformed {
		t.Fatal("unexpectedly malformed")
	}
	if ok {
		t.Fatal("expected failure for unknown user")
	}
}

func TestAuthEngineMaxTriesDefault(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{maxTries: 0}, "mail.example.test")
	if a.maxTries() != defaultMaxAuthTries {
		t.Fatalf("got %d, want %d", a.maxTries(), defaultMaxAuthTries)
	}
}

func TestAuthEngineMaxTriesOverride(t *testing.T) {
	a := newAuthEngine(&staticAuthProvider{maxTries: 5}, "mail.example.test")
	if a.maxTries() != 5 {
		t.Fatalf("got %d, want 5", a.maxTries())
	}
}
