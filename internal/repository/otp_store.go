package repository

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// maxSendCount bounds the backoff counter; the limiter caps the wait long before this.
const maxSendCount = 64

var ErrOTPNotFound = errors.New("otp record not found")

// Stopper is the part of *time.Timer the store needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Stopper

// CodeFunc produces a numeric code of the given length.
type CodeFunc func(length int) (string, error)

type OTPStoreOptions struct {
	Length          int
	Validity        time.Duration
	ExpiryTolerance time.Duration
	HashCost        int

	// Optional; real clock, time.AfterFunc and crypto/rand digits when nil.
	Now       func() time.Time
	AfterFunc AfterFunc
	Code      CodeFunc
}

// otpEntry is a record plus the bookkeeping needed to expire it safely.
type otpEntry struct {
	models.OTPRecord

	// commitID names the expiry timer scheduled by the latest CommitSend.
	commitID uint64
	// pending is set while a regenerated code is out for delivery; prevHash
	// then holds the hash of the last delivered code.
	pending  bool
	prevHash string
	// expired marks a committed cycle whose timer fired while pending.
	expired bool
}

// OTPStore keeps at most one live code per email address in process memory.
// Codes are stored as bcrypt hashes and removed on first successful
// validation or when their validity window runs out.
type OTPStore struct {
	mu      sync.Mutex
	records map[string]*otpEntry
	timers  map[uint64]Stopper
	nextID  uint64
	closed  bool

	length    int
	validity  time.Duration
	tolerance time.Duration
	hashCost  int
	now       func() time.Time
	afterFunc AfterFunc
	code      CodeFunc
	logger    *logrus.Logger
}

func NewOTPStore(opts OTPStoreOptions, logger *logrus.Logger) *OTPStore {
	s := &OTPStore{
		records:   make(map[string]*otpEntry),
		timers:    make(map[uint64]Stopper),
		length:    opts.Length,
		validity:  opts.Validity,
		tolerance: opts.ExpiryTolerance,
		hashCost:  opts.HashCost,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
		code:      opts.Code,
		logger:    logger,
	}
	if s.length <= 0 {
		s.length = 6
	}
	if s.hashCost == 0 {
		s.hashCost = bcrypt.MinCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		}
	}
	if s.code == nil {
		s.code = func(length int) (string, error) {
			return generateRandomOTP(rand.Reader, length)
		}
	}
	return s
}

// Validity is the lifetime of a committed code.
func (s *OTPStore) Validity() time.Duration {
	return s.validity
}

// Get returns a copy of the live record for email. Records past their
// validity window are reported as absent even before their timer fires.
func (s *OTPStore) Get(email string) (models.OTPRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(email, s.now())
	if !ok {
		return models.OTPRecord{}, false
	}
	return e.OTPRecord, true
}

// Generate issues a fresh code for email and returns it in plain text. Only
// the code is replaced; the timing of the previous committed send is kept so
// it keeps governing the rate limit until the new send is committed. The
// previous code is kept aside until CommitSend or Discard settles the send.
func (s *OTPStore) Generate(email string) (string, error) {
	code, err := s.code(s.length)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(email, s.now())
	if !ok {
		e = &otpEntry{OTPRecord: models.OTPRecord{Email: email}}
		s.records[email] = e
	}
	if e.Committed() && !e.pending {
		e.prevHash = e.CodeHash
	}
	e.pending = true
	e.CodeHash = string(hash)

	return code, nil
}

// CommitSend records a successful delivery of the current code and schedules
// its expiry.
func (s *OTPStore) CommitSend(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[email]
	if !ok {
		return ErrOTPNotFound
	}

	stamp := s.now()
	e.LastSendTime = stamp
	if e.SendCount < maxSendCount {
		e.SendCount++
	}
	e.pending = false
	e.prevHash = ""
	e.expired = false

	s.nextID++
	id := s.nextID
	e.commitID = id

	if s.closed {
		return nil
	}

	s.timers[id] = s.afterFunc(s.validity, func() {
		s.expire(id, email, stamp)
	})

	return nil
}

// Discard abandons a code that could not be delivered. A record that was
// never committed is dropped. A committed record gets its last delivered
// code back and keeps its timing, so a failed resend neither resets the
// backoff nor invalidates the code the user already has.
func (s *OTPStore) Discard(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[email]
	if !ok || !e.pending {
		return
	}
	if !e.Committed() || e.expired {
		delete(s.records, email)
		return
	}
	e.CodeHash = e.prevHash
	e.prevHash = ""
	e.pending = false
}

// Validate consumes the code for email. It returns true at most once per
// generated code. A wrong, missing or expired code returns false and leaves
// the record as it was.
func (s *OTPStore) Validate(email, code string) bool {
	if code == "" {
		return false
	}

	s.mu.Lock()
	e, ok := s.liveLocked(email, s.now())
	if !ok {
		s.mu.Unlock()
		return false
	}
	hash := e.CodeHash
	s.mu.Unlock()

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The code may have been consumed or replaced while we compared.
	current, ok := s.records[email]
	if !ok || current != e || current.CodeHash != hash {
		return false
	}
	delete(s.records, email)

	return true
}

func (s *OTPStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops all pending expiry timers. The store stays readable.
func (s *OTPStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *OTPStore) expire(id uint64, email string, stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, id)

	// Only the timer of the latest commit may remove a record. Records that
	// were recreated or recommitted since carry a different commitID.
	e, ok := s.records[email]
	if !ok || e.commitID != id || !e.LastSendTime.Equal(stamp) {
		return
	}
	if s.now().Sub(stamp) < s.validity-s.tolerance {
		return
	}
	if e.pending {
		// A resend is in flight; CommitSend or Discard decides.
		e.expired = true
		return
	}

	delete(s.records, email)
	if s.logger != nil {
		s.logger.WithField("email", email).Debug("OTP expired")
	}
}

func (s *OTPStore) liveLocked(email string, now time.Time) (*otpEntry, bool) {
	e, ok := s.records[email]
	if !ok {
		return nil, false
	}
	if e.Committed() && !e.pending && now.Sub(e.LastSendTime) >= s.validity {
		return nil, false
	}
	return e, true
}

func generateRandomOTP(r io.Reader, length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(r, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteString(num.String())
	}
	return b.String(), nil
}
