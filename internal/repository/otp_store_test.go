package repository

import (
	"crypto/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func newTestStore(t *testing.T, codes ...string) (*OTPStore, *fakeClock, *fakeScheduler) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	sched := &fakeScheduler{}
	opts := OTPStoreOptions{
		Length:          6,
		Validity:        6 * time.Hour,
		ExpiryTolerance: 30 * time.Second,
		HashCost:        bcrypt.MinCost,
		Now:             clock.Now,
		AfterFunc:       sched.AfterFunc,
	}
	if len(codes) > 0 {
		next := 0
		opts.Code = func(int) (string, error) {
			code := codes[next%len(codes)]
			next++
			return code, nil
		}
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOTPStore(opts, logger), clock, sched
}

func TestOTPStore_GenerateCreatesUncommittedRecord(t *testing.T) {
	store, _, sched := newTestStore(t)

	code, err := store.Generate("a@b.com")
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, code)

	rec, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.False(t, rec.Committed())
	assert.Equal(t, 0, rec.SendCount)
	assert.NotEqual(t, code, rec.CodeHash)
	assert.Empty(t, sched.timers)
}

func TestOTPStore_GenerateKeepsSendTiming(t *testing.T) {
	store, clock, _ := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))
	sentAt := clock.Now()

	clock.Advance(2 * time.Minute)
	code, err := store.Generate("a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", code)

	rec, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, sentAt, rec.LastSendTime)
	assert.Equal(t, 1, rec.SendCount)

	assert.False(t, store.Validate("a@b.com", "111111"), "replaced code must not validate")
	assert.True(t, store.Validate("a@b.com", "222222"))
}

func TestOTPStore_CommitSendIncrementsCount(t *testing.T) {
	store, clock, sched := newTestStore(t)

	for i := 1; i <= 3; i++ {
		_, err := store.Generate("a@b.com")
		require.NoError(t, err)
		require.NoError(t, store.CommitSend("a@b.com"))

		rec, ok := store.Get("a@b.com")
		require.True(t, ok)
		assert.Equal(t, i, rec.SendCount)
		assert.Equal(t, clock.Now(), rec.LastSendTime)
		clock.Advance(time.Minute)
	}

	require.Len(t, sched.timers, 3)
	for _, timer := range sched.timers {
		assert.Equal(t, 6*time.Hour, timer.delay)
	}
}

func TestOTPStore_CommitSendWithoutRecord(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.ErrorIs(t, store.CommitSend("nobody@b.com"), ErrOTPNotFound)
}

func TestOTPStore_ValidateIsOneShot(t *testing.T) {
	store, _, _ := newTestStore(t, "123456")

	code, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.Equal(t, "123456", code)
	require.NoError(t, store.CommitSend("a@b.com"))

	assert.True(t, store.Validate("a@b.com", "123456"))
	assert.False(t, store.Validate("a@b.com", "123456"))

	_, ok := store.Get("a@b.com")
	assert.False(t, ok)
}

func TestOTPStore_ValidateWrongCodeKeepsRecord(t *testing.T) {
	store, _, _ := newTestStore(t, "123456")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))
	before, _ := store.Get("a@b.com")

	assert.False(t, store.Validate("a@b.com", "654321"))
	assert.False(t, store.Validate("a@b.com", " 123456"))
	assert.False(t, store.Validate("a@b.com", ""))

	after, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, before, after)

	assert.True(t, store.Validate("a@b.com", "123456"))
}

func TestOTPStore_ValidateUnknownAddress(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.False(t, store.Validate("ghost@b.com", "123456"))
	assert.Equal(t, 0, store.Len())
}

func TestOTPStore_ExpiryTimerRemovesRecord(t *testing.T) {
	store, clock, sched := newTestStore(t, "123456")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))
	require.Len(t, sched.timers, 1)

	clock.Advance(6 * time.Hour)
	sched.timers[0].fn()

	assert.Equal(t, 0, store.Len())
	assert.False(t, store.Validate("a@b.com", "123456"))
}

func TestOTPStore_EarlyTimerFireWithinToleranceRemovesRecord(t *testing.T) {
	store, clock, sched := newTestStore(t)

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(6*time.Hour - 10*time.Second)
	sched.timers[0].fn()

	assert.Equal(t, 0, store.Len())
}

func TestOTPStore_StaleTimerKeepsRefreshedRecord(t *testing.T) {
	store, clock, sched := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(time.Hour)
	_, err = store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))
	require.Len(t, sched.timers, 2)

	clock.Advance(5 * time.Hour)
	sched.timers[0].fn()

	rec, ok := store.Get("a@b.com")
	require.True(t, ok, "timer from the superseded send must not evict the record")
	assert.Equal(t, 2, rec.SendCount)

	clock.Advance(time.Hour)
	sched.timers[1].fn()
	assert.Equal(t, 0, store.Len())
}

func TestOTPStore_ExpiredRecordActsAbsent(t *testing.T) {
	store, clock, _ := newTestStore(t, "123456", "654321")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(6*time.Hour + time.Second)

	_, ok := store.Get("a@b.com")
	assert.False(t, ok)
	assert.False(t, store.Validate("a@b.com", "123456"))

	code, err := store.Generate("a@b.com")
	require.NoError(t, err)
	rec, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, "654321", code)
	assert.Equal(t, 0, rec.SendCount)
	assert.False(t, rec.Committed())
}

func TestOTPStore_DiscardDropsUncommitted(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Generate("new@b.com")
	require.NoError(t, err)
	store.Discard("new@b.com")

	_, ok := store.Get("new@b.com")
	assert.False(t, ok)
}

func TestOTPStore_DiscardRestoresDeliveredCode(t *testing.T) {
	store, _, _ := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))
	before, _ := store.Get("a@b.com")

	_, err = store.Generate("a@b.com")
	require.NoError(t, err)
	store.Discard("a@b.com")

	after, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.False(t, store.Validate("a@b.com", "222222"))
	assert.True(t, store.Validate("a@b.com", "111111"))
}

func TestOTPStore_DiscardWithoutPendingCodeIsNoop(t *testing.T) {
	store, _, _ := newTestStore(t, "111111")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	store.Discard("a@b.com")
	assert.True(t, store.Validate("a@b.com", "111111"))
}

func TestOTPStore_StaleTimerSparesRecreatedRecord(t *testing.T) {
	store, clock, sched := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(6 * time.Hour)
	_, err = store.Generate("a@b.com")
	require.NoError(t, err)

	sched.timers[0].fn()

	rec, ok := store.Get("a@b.com")
	require.True(t, ok, "timer of the expired cycle must not remove the new record")
	assert.False(t, rec.Committed())

	require.NoError(t, store.CommitSend("a@b.com"))
	assert.True(t, store.Validate("a@b.com", "222222"))
}

func TestOTPStore_TimerDuringResendKeepsNewCode(t *testing.T) {
	store, clock, sched := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(6*time.Hour - time.Second)
	_, err = store.Generate("a@b.com")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	sched.timers[0].fn()

	require.NoError(t, store.CommitSend("a@b.com"))
	rec, ok := store.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, 2, rec.SendCount)
	assert.Equal(t, clock.Now(), rec.LastSendTime)
	assert.True(t, store.Validate("a@b.com", "222222"))
}

func TestOTPStore_TimerDuringFailedResendRemovesRecord(t *testing.T) {
	store, clock, sched := newTestStore(t, "111111", "222222")

	_, err := store.Generate("a@b.com")
	require.NoError(t, err)
	require.NoError(t, store.CommitSend("a@b.com"))

	clock.Advance(6*time.Hour - time.Second)
	_, err = store.Generate("a@b.com")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	sched.timers[0].fn()
	require.Equal(t, 1, store.Len())

	store.Discard("a@b.com")
	assert.Equal(t, 0, store.Len())
	assert.False(t, store.Validate("a@b.com", "111111"))
}

func TestOTPStore_CloseStopsTimers(t *testing.T) {
	store, _, sched := newTestStore(t)

	for _, email := range []string{"a@b.com", "c@d.com"} {
		_, err := store.Generate(email)
		require.NoError(t, err)
		require.NoError(t, store.CommitSend(email))
	}

	store.Close()

	for _, timer := range sched.timers {
		assert.True(t, timer.stopped)
	}
	assert.Equal(t, 2, store.Len())
}

func TestOTPStore_SeparateInstancesDoNotShareState(t *testing.T) {
	first, _, _ := newTestStore(t, "123456")
	second, _, _ := newTestStore(t, "123456")

	_, err := first.Generate("a@b.com")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 0, second.Len())
	assert.False(t, second.Validate("a@b.com", "123456"))
}

func TestGenerateRandomOTP(t *testing.T) {
	digits := regexp.MustCompile(`^\d+$`)
	for _, length := range []int{4, 6, 8} {
		code, err := generateRandomOTP(rand.Reader, length)
		require.NoError(t, err)
		assert.Len(t, code, length)
		assert.Regexp(t, digits, code)
	}
}
