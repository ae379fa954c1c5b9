package email

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestThatDispatchDoesNotWaitForHungMailServer(t *testing.T) {
	mailer := &blockingMailer{}
	d := NewDispatcher(mailer, 50*time.Millisecond, logging.NewLogger())

	start := time.Now()
	d.Dispatch("farmer@example.com", "subject", "body")
	if time.Since(start) > 20*time.Millisecond {
		t.Error("Dispatch should return immediately")
	}

	d.Wait()

	if !mailer.timedOut() {
		t.Error("the send should have been cancelled by the timeout")
	}
}

func TestThatFailedSendIsSwallowed(t *testing.T) {
	mailer := &failingMailer{}
	d := NewDispatcher(mailer, time.Second, logging.NewLogger())

	d.Dispatch("a@example.com", "s", "b")
	d.Dispatch("b@example.com", "s", "b")
	d.Wait()

	if mailer.count() != 2 {
		t.Errorf("expected two send attempts, got %d", mailer.count())
	}
}

func TestThatComposeUsesCRLF(t *testing.T) {
	raw, err := compose("from@example.com", "to@example.com", "Hello", "line1\nline2")
	if err != nil {
		t.Fatalf("compose failed: %s", err.Error())
	}
	msg := string(raw)

	if !strings.Contains(msg, "Subject: Hello\r\n") {
		t.Error("subject header missing")
	}

	if !strings.HasSuffix(msg, "line1\r\nline2") {
		t.Errorf("body should use CRLF line endings: %q", msg)
	}
}

func TestThatSubjectCanNotInjectHeaders(t *testing.T) {
	raw, err := compose("from@example.com", "to@example.com", "Device x\r\nBcc: evil@example.com", "body")
	if err != nil {
		t.Fatalf("compose failed: %s", err.Error())
	}

	headers := strings.SplitN(string(raw), "\r\n\r\n", 2)[0]
	for _, line := range strings.Split(headers, "\r\n") {
		if strings.HasPrefix(line, "Bcc:") {
			t.Fatalf("subject leaked a header: %q", headers)
		}
	}

	if !strings.Contains(headers, "Subject: Device x Bcc: evil@example.com") {
		t.Errorf("line breaks in the subject should become spaces: %q", headers)
	}
}

func TestThatNonASCIISubjectIsEncoded(t *testing.T) {
	raw, _ := compose("from@example.com", "to@example.com", "Nhiệt độ quá cao", "body")

	if !strings.Contains(string(raw), "Subject: =?utf-8?q?") {
		t.Errorf("expected a Q encoded subject, got %q", raw)
	}
}

func TestThatAddressWithLineBreakIsRefused(t *testing.T) {
	if _, err := compose("from@example.com", "to@example.com\r\nBcc: evil@example.com", "Hello", "body"); err == nil {
		t.Error("an address containing a line break should be refused")
	}
}

type blockingMailer struct {
	mu      sync.Mutex
	expired bool
}

func (m *blockingMailer) Send(ctx context.Context, to, subject, body string) error {
	<-ctx.Done()
	m.mu.Lock()
	m.expired = errors.Is(ctx.Err(), context.DeadlineExceeded)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *blockingMailer) timedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

type failingMailer struct {
	mu    sync.Mutex
	calls int
}

func (m *failingMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return errors.New("mail server unavailable")
}

func (m *failingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
