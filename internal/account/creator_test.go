package account

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botrix-io/botrix/internal/kick"
	"github.com/botrix-io/botrix/internal/mailbox"
	"github.com/botrix-io/botrix/internal/models"
	"github.com/botrix-io/botrix/internal/pool"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livelive.txt")
	lines := "one@example.com:pw1\ntwo@example.com:pw2\nthree@example.com:pw3\n"
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	p, err := pool.New(path)
	require.NoError(t, err)
	return p
}

type fakeSolver struct {
	err   error
	calls int
}

func (s *fakeSolver) Solve(context.Context, string, string) (map[string]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return map[string]string{"x-kpsdk-cd": "cd"}, nil
}

type fakeRegClient struct {
	sendErr     error
	verifyErr   error
	registerErr error

	verifiedCode string
}

func (c *fakeRegClient) SendCodeURL() string { return "https://kick.example/api/v1/signup/send/email" }
func (c *fakeRegClient) SendCode(context.Context, map[string]string, string) error {
	return c.sendErr
}
func (c *fakeRegClient) VerifyCode(_ context.Context, _ map[string]string, _ string, code string) (string, error) {
	if c.verifyErr != nil {
		return "", c.verifyErr
	}
	c.verifiedCode = code
	return "token-1", nil
}
func (c *fakeRegClient) Register(context.Context, map[string]string, kick.RegisterRequest) (json.RawMessage, error) {
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	return json.RawMessage(`{"id":7}`), nil
}

type fakeMailbox struct {
	code        string
	err         error
	disconnects int
}

func (m *fakeMailbox) WaitForCode(context.Context, time.Duration, time.Duration) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.code, nil
}
func (m *fakeMailbox) Disconnect() { m.disconnects++ }

type memStore struct {
	records []*models.AccountRecord
	err     error
}

func (s *memStore) Append(_ context.Context, r *models.AccountRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

type fixture struct {
	pool    *pool.Pool
	solver  *fakeSolver
	client  *fakeRegClient
	mailbox *fakeMailbox
	store   *memStore
	creator *Creator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pool:    newTestPool(t),
		solver:  &fakeSolver{},
		client:  &fakeRegClient{},
		mailbox: &fakeMailbox{code: "123456"},
		store:   &memStore{},
	}
	creator, err := NewCreator(f.pool, f.solver, f.client,
		func(pool.Credential) CodeSource { return f.mailbox },
		f.store,
		withSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	f.creator = creator
	return f
}

func TestCreateAccountSuccess(t *testing.T) {
	f := newFixture(t)

	record := f.creator.CreateAccount(context.Background(), Params{JobID: "job-1"})
	require.True(t, record.Success)
	require.Equal(t, "one@example.com", record.Email)
	require.Equal(t, "123456", record.VerificationCode)
	require.Equal(t, "123456", f.client.verifiedCode)
	require.NotEmpty(t, record.Username)
	require.Equal(t, "job-1", record.JobID)
	require.Equal(t, 1, f.mailbox.disconnects)

	stats := f.pool.Stats()
	require.Equal(t, pool.Stats{Available: 2, Used: 1, Failed: 0, Total: 3}, stats)
	require.Len(t, f.store.records, 1)
}

func TestCreateAccountRegistrationFailureSpendsCredential(t *testing.T) {
	f := newFixture(t)
	f.client.registerErr = errors.New("signup rejected")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.False(t, record.Success)
	require.Equal(t, models.FailureRegistration, record.ErrorKind)
	require.Equal(t, "one@example.com", record.Email)

	// The mailbox verification was consumed: used, not failed.
	stats := f.pool.Stats()
	require.Equal(t, pool.Stats{Available: 2, Used: 1, Failed: 0, Total: 3}, stats)
}

func TestCreateAccountChallengeFailure(t *testing.T) {
	f := newFixture(t)
	f.solver.err = errors.New("solver down")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.False(t, record.Success)
	require.Equal(t, models.FailureChallenge, record.ErrorKind)

	stats := f.pool.Stats()
	require.Equal(t, pool.Stats{Available: 2, Used: 0, Failed: 1, Total: 3}, stats)
}

func TestCreateAccountSendCodeFailure(t *testing.T) {
	f := newFixture(t)
	f.client.sendErr = errors.New("send rejected")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.Equal(t, models.FailureVerification, record.ErrorKind)
	require.Equal(t, 1, f.pool.Stats().Failed)
}

func TestCreateAccountNoCodeReceived(t *testing.T) {
	f := newFixture(t)
	f.mailbox.err = mailbox.ErrNoCode

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.Equal(t, models.FailureVerification, record.ErrorKind)
	require.Equal(t, 1, f.pool.Stats().Failed)
	require.Equal(t, 1, f.mailbox.disconnects)
}

func TestCreateAccountVerifyCodeFailure(t *testing.T) {
	f := newFixture(t)
	f.client.verifyErr = errors.New("bad code")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.Equal(t, models.FailureVerification, record.ErrorKind)
	require.Equal(t, 1, f.pool.Stats().Failed)
}

func TestCreateAccountPoolEmpty(t *testing.T) {
	f := newFixture(t)
	f.pool.MarkFailed("one@example.com")
	f.pool.MarkFailed("two@example.com")
	f.pool.MarkFailed("three@example.com")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.False(t, record.Success)
	require.Equal(t, models.FailurePoolEmpty, record.ErrorKind)
	require.Empty(t, record.Email)
	require.Zero(t, f.solver.calls)
}

func TestCreateAccountPersistFailureDoesNotFlipOutcome(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("disk full")

	record := f.creator.CreateAccount(context.Background(), Params{})
	require.True(t, record.Success)
}

func TestCreateAccountFailureRecordsArePersisted(t *testing.T) {
	f := newFixture(t)
	f.solver.err = errors.New("solver down")

	f.creator.CreateAccount(context.Background(), Params{})
	require.Len(t, f.store.records, 1)
	require.False(t, f.store.records[0].Success)
}

func TestCreateAccountUsesCallerSuppliedIdentity(t *testing.T) {
	f := newFixture(t)

	record := f.creator.CreateAccount(context.Background(), Params{
		Username:  "customname",
		Password:  "custompass",
		Birthdate: "1999-06-15",
	})
	require.Equal(t, "customname", record.Username)
	require.Equal(t, "custompass", record.Password)
	require.Equal(t, "1999-06-15", record.Birthdate)
}

func TestNewCreatorRequiresCollaborators(t *testing.T) {
	_, err := NewCreator(nil, nil, nil, nil, nil)
	require.Error(t, err)
}
