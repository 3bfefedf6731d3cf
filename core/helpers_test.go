package core

import (
	"sync"

	"github.com/pikaneli/ibft/messages"
)

// stubValidator is a deterministic, signature-free Validator used by the
// white-box tests in this package: it lets a test construct exactly the
// log/state fixtures a scenario needs without standing up real keys.
type stubValidator struct {
	id   uint64
	n, f uint64
}

func (v *stubValidator) ID() uint64    { return v.id }
func (v *stubValidator) N() uint64     { return v.n }
func (v *stubValidator) F() uint64     { return v.f }
func (v *stubValidator) Quorum() uint64 { return (v.n+v.f)/2 + 1 }

func (v *stubValidator) IsProposer(id, height, round uint64) bool {
	return id == round%v.n
}

func (v *stubValidator) IsValidValidator(id uint64) bool { return id < v.n }

func (v *stubValidator) Verify(uint64, [32]byte, []byte) bool { return true }

func (v *stubValidator) HasQuorum(_ uint64, msgs []*messages.Message, msgType messages.MessageType) bool {
	seen := make(map[uint64]struct{}, len(msgs))

	for _, m := range msgs {
		if m.Type != msgType {
			continue
		}

		seen[m.From] = struct{}{}
	}

	return uint64(len(seen)) >= v.Quorum()
}

// spyLogger records every Error call, so a test can assert on
// liveness-guard/failure logging without parsing stdout.
type spyLogger struct {
	mu     sync.Mutex
	errors []string
}

func (*spyLogger) Info(string, ...interface{})  {}
func (*spyLogger) Debug(string, ...interface{}) {}

func (l *spyLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errors = append(l.errors, msg)
}

func (l *spyLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.errors)
}

type stubSigner struct{}

func (stubSigner) Sign(digest [32]byte) ([]byte, error) {
	return digest[:], nil
}

// recordingTransport captures every broadcast/send instead of delivering
// it anywhere, so a white-box test can assert on exactly what the engine
// would have put on the wire.
type recordingTransport struct {
	mu         sync.Mutex
	broadcasts []*messages.Message
	sent       map[uint64][]*messages.Message
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[uint64][]*messages.Message)}
}

func (t *recordingTransport) Broadcast(msg *messages.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.broadcasts = append(t.broadcasts, msg)
}

func (t *recordingTransport) Send(to uint64, msg *messages.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent[to] = append(t.sent[to], msg)
}

func (t *recordingTransport) last() *messages.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.broadcasts) == 0 {
		return nil
	}

	return t.broadcasts[len(t.broadcasts)-1]
}

// newTestIBFT builds an IBFT instance with n participants, f tolerated,
// acting as id, wired to stub (signature-free, non-networked)
// collaborators. Every white-box test in this package drives the
// instance's unexported methods directly against hand-built log/state
// fixtures instead of running the full goroutine tree.
func newTestIBFT(id, n, f uint64) (*IBFT, *recordingTransport) {
	cfg, err := NewConfig(id, n, f)
	if err != nil {
		panic(err)
	}

	transport := newRecordingTransport()
	validator := &stubValidator{id: id, n: n, f: f}

	i := New(cfg, NopLogger{}, validator, stubSigner{}, transport)

	return i, transport
}

// newTestIBFTWithConfig is newTestIBFT but lets a test tune Config
// (e.g. MaxBufferedMessages, MaxRounds) and observe logged output.
func newTestIBFTWithConfig(id, n, f uint64, log Logger, opts ...Option) (*IBFT, *recordingTransport) {
	cfg, err := NewConfig(id, n, f, opts...)
	if err != nil {
		panic(err)
	}

	transport := newRecordingTransport()
	validator := &stubValidator{id: id, n: n, f: f}

	i := New(cfg, log, validator, stubSigner{}, transport)

	return i, transport
}
